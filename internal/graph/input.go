package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxContentLength bounds node content, in bytes of UTF-8.
const MaxContentLength = 100_000

// MinMembers is the smallest arity a hyperedge may have.
const MinMembers = 2

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// NewNode is the input to node creation.
type NewNode struct {
	Content     string      `json:"content" validate:"required"`
	ContentType ContentType `json:"content_type" validate:"required,oneof=Thought Memory Context Task Note"`
	Metadata    Metadata    `json:"metadata"`
	Embedding   []float32   `json:"embedding"`
}

// Validate checks the input against the node invariants. dim is the
// configured embedding dimension; zero disables the length check.
func (n NewNode) Validate(dim int) error {
	if err := structErr(validate.Struct(n)); err != nil {
		return err
	}
	if err := checkContent(n.Content); err != nil {
		return err
	}
	if err := checkMetadata(n.Metadata); err != nil {
		return err
	}
	if n.Embedding != nil {
		return CheckEmbedding(n.Embedding, dim)
	}
	return nil
}

// NodePatch lists the node fields to change. Nil fields are left as is.
type NodePatch struct {
	Content        *string      `json:"content" validate:"omitempty,min=1"`
	ContentType    *ContentType `json:"content_type" validate:"omitempty,oneof=Thought Memory Context Task Note"`
	Metadata       Metadata     `json:"metadata"`
	Embedding      []float32    `json:"embedding"`
	ClearEmbedding bool         `json:"clear_embedding"`
}

// Validate checks the patch against the node invariants.
func (p NodePatch) Validate(dim int) error {
	if err := structErr(validate.Struct(p)); err != nil {
		return err
	}
	if p.Content != nil {
		if err := checkContent(*p.Content); err != nil {
			return err
		}
	}
	if p.Metadata != nil {
		if err := checkMetadata(p.Metadata); err != nil {
			return err
		}
	}
	if p.Embedding != nil {
		if p.ClearEmbedding {
			return &ValidationError{Field: "embedding", Reason: "cannot set and clear in one patch"}
		}
		return CheckEmbedding(p.Embedding, dim)
	}
	return nil
}

// Member is one participant of a hyperedge being created.
type Member struct {
	NodeID string `json:"node_id" validate:"required,uuid"`
	Role   string `json:"role"`
}

// NewHyperedge is the input to hyperedge creation. Members are assigned
// positions in slice order.
type NewHyperedge struct {
	Label      string   `json:"label" validate:"required"`
	Metadata   Metadata `json:"metadata"`
	IsDirected bool     `json:"is_directed"`
	Members    []Member `json:"members" validate:"min=2,dive"`
}

// Validate checks the input against the hyperedge invariants.
func (h NewHyperedge) Validate() error {
	if err := structErr(validate.Struct(h)); err != nil {
		return err
	}
	if strings.TrimSpace(h.Label) == "" {
		return &ValidationError{Field: "label", Reason: "must not be blank"}
	}
	return checkMetadata(h.Metadata)
}

// HyperedgePatch lists the hyperedge fields to change. Incidences are fixed
// at creation and cannot be patched.
type HyperedgePatch struct {
	Label      *string  `json:"label" validate:"omitempty,min=1"`
	Metadata   Metadata `json:"metadata"`
	IsDirected *bool    `json:"is_directed"`
}

// Validate checks the patch against the hyperedge invariants.
func (p HyperedgePatch) Validate() error {
	if err := structErr(validate.Struct(p)); err != nil {
		return err
	}
	if p.Label != nil && strings.TrimSpace(*p.Label) == "" {
		return &ValidationError{Field: "label", Reason: "must not be blank"}
	}
	if p.Metadata != nil {
		return checkMetadata(p.Metadata)
	}
	return nil
}

// CheckEmbedding verifies a vector has the configured dimension, only finite
// components and a non-zero norm.
func CheckEmbedding(v []float32, dim int) error {
	if dim > 0 && len(v) != dim {
		return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("dimension %d, want %d", len(v), dim)}
	}
	if len(v) == 0 {
		return &ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	var sum float64
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return &ValidationError{Field: "embedding", Reason: "contains a non-finite value"}
		}
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return &ValidationError{Field: "embedding", Reason: "zero vector"}
	}
	return nil
}

// checkContent bounds content by its UTF-8 byte length.
func checkContent(s string) error {
	if len(s) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("%d bytes exceeds %d", len(s), MaxContentLength)}
	}
	return nil
}

// checkMetadata makes sure the document survives a JSON round trip.
func checkMetadata(m Metadata) error {
	if m == nil {
		return nil
	}
	if _, err := json.Marshal(m); err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	return nil
}

func structErr(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param()
	case "max":
		return "must have at most " + fe.Param()
	case "oneof":
		return fmt.Sprintf("%v is not one of [%s]", fe.Value(), fe.Param())
	case "uuid":
		return fmt.Sprintf("%v is not a uuid", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}
