package options

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"chargepoint/pkg/ocppconfig"
)

var validate = validator.New()

// Validate checks the options and applies the logging configuration.
func Validate(o *Options) []error {
	var errs []error
	if err := o.BaseOptions.ValidateAndApply(); err != nil {
		errs = append(errs, err)
	}
	if err := validate.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, e := range verrs {
				errs = append(errs, field.Invalid(field.NewPath(e.Namespace()), e.Value(), e.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	for _, e := range validateSemantics(o) {
		errs = append(errs, e)
	}
	return errs
}

func validateSemantics(o *Options) field.ErrorList {
	var allErrs field.ErrorList

	csPath := field.NewPath("centralSystem", "url")
	if u, err := url.Parse(o.CentralSystem.URL); err != nil {
		allErrs = append(allErrs, field.Invalid(csPath, o.CentralSystem.URL, err.Error()))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		allErrs = append(allErrs, field.NotSupported(csPath, u.Scheme, []string{"ws", "wss"}))
	}

	if o.Station.ReconnectMin.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("station", "reconnectMin"), o.Station.ReconnectMin.Duration, "must be positive"))
	}
	if o.Station.ReconnectMax.Duration < o.Station.ReconnectMin.Duration {
		allErrs = append(allErrs, field.Invalid(field.NewPath("station", "reconnectMax"), o.Station.ReconnectMax.Duration, "must not be below reconnectMin"))
	}
	if o.Telemetry.Interval.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("telemetry", "interval"), o.Telemetry.Interval.Duration, "must be positive"))
	}
	if o.Telemetry.ReadTimeout.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("telemetry", "readTimeout"), o.Telemetry.ReadTimeout.Duration, "must be positive"))
	}

	ids := map[int]bool{}
	handles := map[string]bool{}
	connectorsPath := field.NewPath("connectors")
	for i, c := range o.Connectors {
		p := connectorsPath.Index(i)
		if ids[c.ID] {
			allErrs = append(allErrs, field.Duplicate(p.Child("id"), c.ID))
		}
		ids[c.ID] = true
		if handles[c.RelayHandle] {
			allErrs = append(allErrs, field.Duplicate(p.Child("relayHandle"), c.RelayHandle))
		}
		handles[c.RelayHandle] = true
	}
	for i := 1; i <= len(o.Connectors); i++ {
		if !ids[i] {
			allErrs = append(allErrs, field.Required(connectorsPath, fmt.Sprintf("connector ids must be 1..%d, %d is missing", len(o.Connectors), i)))
		}
	}

	// overrides must name known keys with valid values; the store is the judge
	if len(o.Configuration) > 0 {
		if _, err := ocppconfig.New(ocppconfig.Static{}, o.Configuration, nil); err != nil {
			allErrs = append(allErrs, field.Invalid(field.NewPath("configuration"), o.Configuration, err.Error()))
		}
	}
	return allErrs
}
