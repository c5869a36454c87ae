package validator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"

	"github.com/eddielth/oceanflow/topology"
)

// Validator 表示数据验证器接口
type Validator interface {
	// Validate 验证数据
	Validate(data interface{}) error
}

var (
	validate     *playground.Validate
	validateOnce sync.Once
)

// FieldError describes a single field that failed validation
type FieldError struct {
	Field string
	Tag   string
	Param string
	Value interface{}
}

func (e FieldError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("field %s failed %s=%s (value %v)", e.Field, e.Tag, e.Param, e.Value)
	}
	return fmt.Sprintf("field %s failed %s (value %v)", e.Field, e.Tag, e.Value)
}

// Error collects every field error of one validation pass
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	messages := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		messages = append(messages, f.Error())
	}
	return strings.Join(messages, "; ")
}

// get returns the shared validator instance with the domain tags registered:
//   - continent: a continent code (EU, NA, SA, AF, AS, OC, AQ)
//   - component_id: an identifier such as EU-Agr01, NA-Wavy07 or EU-S
func get() *playground.Validate {
	validateOnce.Do(func() {
		validate = playground.New(playground.WithRequiredStructEnabled())
		validate.RegisterValidation("continent", func(fl playground.FieldLevel) bool {
			return topology.IsValidContinentCode(fl.Field().String())
		})
		validate.RegisterValidation("component_id", func(fl playground.FieldLevel) bool {
			return topology.ValidateID(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates a struct against its validate tags
func Struct(s interface{}) error {
	return convert(get().Struct(s))
}

// Var validates a single value against a tag expression
func Var(value interface{}, tag string) error {
	return convert(get().Var(value, tag))
}

func convert(err error) error {
	if err == nil {
		return nil
	}

	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &Error{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fe.Namespace(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
			Value: fe.Value(),
		})
	}
	return out
}

// StructValidator is a Validator backed by the struct tags
type StructValidator struct{}

// Validate 按结构体的validate标签验证数据
func (StructValidator) Validate(data interface{}) error {
	return Struct(data)
}
