package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"notevault/internal/contextutil"
	"notevault/internal/service"
)

// Handler runs one command with its positional JSON arguments.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// Dispatcher routes named commands to handlers and always answers with a
// Result, even when a handler panics.
type Dispatcher struct {
	handlers map[string]Handler
	validate *validator.Validate
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Dispatcher{
		handlers: make(map[string]Handler),
		validate: validate,
	}
}

// Handle registers h under name, replacing any previous handler.
func (d *Dispatcher) Handle(name string, h Handler) {
	d.handlers[name] = h
}

// Commands lists the registered command names in order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Invoke runs the command name with args.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args []json.RawMessage) (res Result) {
	logger := contextutil.LoggerFromContext(ctx).With("command", name)
	ctx = contextutil.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "command panicked", "panic", r)
			res = Result{Error: &Error{Code: CodeInternal, Message: "internal error"}}
		}
	}()

	h, ok := d.handlers[name]
	if !ok {
		return Fail(ctx, &service.ValidationError{Field: "command", Message: fmt.Sprintf("unknown command %q", name)})
	}

	data, err := h(ctx, args)
	if err != nil {
		logger.DebugContext(ctx, "command returned error", "error", err)
		return Fail(ctx, err)
	}
	return OK(data)
}

// bind decodes positional args into fields (pointers into dst, in order)
// and validates dst. Missing trailing args leave their field at zero.
func (d *Dispatcher) bind(args []json.RawMessage, dst any, fields ...any) error {
	if len(args) > len(fields) {
		return &service.ValidationError{
			Field:   "args",
			Message: fmt.Sprintf("expected at most %d arguments, got %d", len(fields), len(args)),
		}
	}
	for i, raw := range args {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, fields[i]); err != nil {
			return &service.ValidationError{Field: fmt.Sprintf("args[%d]", i), Message: err.Error()}
		}
	}
	return fromValidationError(d.validate.Struct(dst))
}

// fromValidationError reports the first failed rule as a ValidationError.
func fromValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err
	}

	fe := ve[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "gte", "min":
		msg = "must be at least " + fe.Param()
	case "lte", "max":
		msg = "must be at most " + fe.Param()
	default:
		msg = "is invalid"
	}
	return &service.ValidationError{Field: fe.Field(), Message: msg}
}
