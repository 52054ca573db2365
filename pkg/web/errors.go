package web

import (
	"errors"
	"strings"

	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem is an RFC 7807 body extended with the taxonomy code.
type Problem struct {
	*problems.DefaultProblem

	Code     string         `json:"code"`
	Category string         `json:"category,omitempty"`
	Path     string         `json:"path,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func problemType(code string) string {
	return strings.ToLower(code)
}

func codedProblem(c fiber.Ctx, coded *taxonomy.Error) error {
	status := coded.StatusCode
	if status == 0 {
		status = fiber.StatusInternalServerError
	}

	problem := Problem{
		DefaultProblem: problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(problemType(coded.Code)).
			WithDetail(coded.Message),
		Code:     coded.Code,
		Category: string(coded.Category),
		Path:     coded.Path,
		Details:  coded.Details,
	}

	return c.Status(status).JSON(problem)
}

func invalidJSON(c fiber.Ctx) error {
	return codedProblem(c, taxonomy.New(taxonomy.CodeInvalidJSONBody, ""))
}

func internalError(c fiber.Ctx, err error) error {
	problem := Problem{
		DefaultProblem: problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType(problemType(taxonomy.CodeInternal)).
			WithError(err),
		Code:     taxonomy.CodeInternal,
		Category: string(taxonomy.CategoryInternal),
	}

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// validationError converts a validator failure into a coded error naming the first bad field.
func validationError(err error) *taxonomy.Error {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]

		return taxonomy.Newf(taxonomy.CodeValidationFailed, "%s failed the %s rule", fe.Field(), fe.Tag()).
			WithPath(fe.Field())
	}

	return taxonomy.Wrap(taxonomy.CodeValidationFailed, err, "")
}

func validationProblem(c fiber.Ctx, err error) error {
	return codedProblem(c, validationError(err))
}

// handleServiceError maps errors from the orchestrator, stores and session layer to problems.
func handleServiceError(c fiber.Ctx, err error) error {
	var coded *taxonomy.Error

	switch {
	case persistence.IsRunNotFound(err), errors.Is(err, persistence.ErrInvalidRunID):
		return codedProblem(c, taxonomy.New(taxonomy.CodeRunNotFound, ""))

	case errors.As(err, &coded):
		return codedProblem(c, coded)

	default:
		return internalError(c, err)
	}
}
