package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Message is what a device posts: a timestamp and its attribute values.
type Message struct {
	Ts    json.RawMessage        `json:"ts" validate:"required"`
	Attrs map[string]interface{} `json:"attrs" validate:"required"`
}

// Envelope is the record published downstream for a device message.
type Envelope struct {
	Metadata Metadata               `json:"metadata"`
	Attrs    map[string]interface{} `json:"attrs"`
}

type Metadata struct {
	DeviceID  string `json:"deviceid"`
	Tenant    string `json:"tenant"`
	Timestamp int64  `json:"timestamp"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates a single raw message. The returned error text
// is meant to be shown to the device as is.
func Decode(raw json.RawMessage) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return Message{}, describeDecodeError(err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if _, err := m.Timestamp(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// SplitBatch splits a JSON array body into its raw elements.
func SplitBatch(body []byte) ([]json.RawMessage, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errors.New(`"value" must be an array`)
		}
		return nil, errors.New("Invalid JSON payload")
	}
	return raws, nil
}

// Validate reports the first failing field as `"<field>" is required`.
func (m Message) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%q is required", fe.Field())
	default:
		return fmt.Errorf("%q is invalid", fe.Field())
	}
}

// Timestamp converts ts, either epoch milliseconds or an RFC 3339 date, to
// epoch milliseconds.
func (m Message) Timestamp() (int64, error) {
	var v interface{}
	if err := json.Unmarshal(m.Ts, &v); err != nil {
		return 0, errors.New(`"ts" must be a valid date`)
	}
	switch ts := v.(type) {
	case float64:
		return int64(ts), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return 0, errors.New(`"ts" must be a valid date`)
		}
		return t.UnixNano() / int64(time.Millisecond), nil
	default:
		return 0, errors.New(`"ts" must be a valid date`)
	}
}

func describeDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Errorf("%q must be of type %s", typeErr.Field, jsonKind(typeErr.Type))
	}
	if errors.As(err, &typeErr) {
		return errors.New(`"value" must be of type object`)
	}
	return errors.New("Invalid JSON payload")
}

func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.String:
		return "string"
	default:
		return t.Kind().String()
	}
}
