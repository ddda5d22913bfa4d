package models

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// ValidateRecord checks a record against its struct tags. The workflows
// run it on every record they build before persisting it, as a guard
// against writing a half-initialized row.
func ValidateRecord(rec interface{}) error {
	return validate.Struct(rec)
}
