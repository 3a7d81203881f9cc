package generic

import "github.com/gin-gonic/gin"

// Server is the local HTTP surface of the charge point.
type Server struct {
	Router   *gin.Engine
	Port     string
	Methods  []string
	CertFile string
	KeyFile  string
}
