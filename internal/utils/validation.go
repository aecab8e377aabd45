package utils

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

func init() {
	validate = validator.New()

	validate.RegisterValidation("agent_id", func(fl validator.FieldLevel) bool {
		return agentIDPattern.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("trading_pair", func(fl validator.FieldLevel) bool {
		return IsValidTradingPair(fl.Field().String())
	})
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// IsValidUUID checks if a string is a valid UUID
func IsValidUUID(uuid string) bool {
	r := regexp.MustCompile("^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$")
	return r.MatchString(uuid)
}

// IsValidTradingPair checks a BASE/QUOTE pair like "ETH/USD"
func IsValidTradingPair(pair string) bool {
	r := regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)
	return r.MatchString(pair)
}

// ValidateAggregateID validates an aggregate ID
func ValidateAggregateID(id string) error {
	if id == "" {
		return fmt.Errorf("aggregate ID cannot be empty")
	}
	return nil
}
