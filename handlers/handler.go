// Package handlers exposes the HTTP API on gin.
package handlers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"heartline/apperr"
	"heartline/conversation"
	"heartline/middleware"
	"heartline/models"
	"heartline/presence"
	"heartline/relay"
	"heartline/store"
	"heartline/swipe"
)

// Deps are the services behind the API. Directory is optional.
type Deps struct {
	Users             store.Users
	PushSubscriptions store.PushSubscriptions
	Swipes            *swipe.Engine
	Relay             *relay.Relay
	Conversations     *conversation.View
	Tracker           *presence.Tracker
	Directory         relay.Directory

	VAPIDPublicKey string
	BillingSecret  string
	Timeout        time.Duration
}

type Handler struct {
	Deps
	now func() time.Time
}

func New(deps Deps) *Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	return &Handler{Deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.Timeout)
}

// bind decodes the JSON body and reports binding failures as validation
// errors. It returns false after writing the response.
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.RespondError(c, translateBindError(err))
		return false
	}
	return true
}

func init() {
	// report json field names in validation errors
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

func translateBindError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid request body")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonField(fe)] = describe(fe)
	}
	first := verrs[0]
	return apperr.Validation(jsonField(first), describe(first)).WithDetail("fields", fields)
}

func jsonField(fe validator.FieldError) string {
	if name := fe.Field(); name != "" {
		return name
	}
	return fe.StructField()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "url", "http_url":
		return "must be a URL"
	default:
		return "failed '" + fe.Tag() + "' check"
	}
}

func (h *Handler) loadUser(ctx context.Context, id string) (*models.User, error) {
	u, err := h.Users.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, apperr.FromStore("get user", err)
	}
	return u, nil
}
