package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
			}
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	if c.Artifacts.Backend == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("artifacts.backend is s3 but s3.bucket is empty")
	}
	if c.Audit.Archive && c.S3.Bucket == "" {
		return fmt.Errorf("audit.archive needs s3.bucket")
	}
	if _, err := c.RiskPolicy(); err != nil {
		return err
	}
	return nil
}
