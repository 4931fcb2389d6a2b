package validation

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AskInputKey is the fiber.Locals key holding the validated AskInput.
const AskInputKey = "ask_input"

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// DefaultMaxQuestionLength bounds a question in runes; a reference answer
// may be four times as long.
const DefaultMaxQuestionLength = 2000

var (
	ErrMissingQuestion = errors.New("question is required")
	ErrInvalidBody     = errors.New("invalid JSON body")
	ErrTooLong         = errors.New("question exceeds maximum length")
	ErrInvalidContent  = errors.New("invalid question content")
)

// AskInput is a question with its optional reference answer.
type AskInput struct {
	Question  string
	Reference string
}

type askBody struct {
	Question    string `json:"question"`
	Query       string `json:"query"`
	GroundTruth string `json:"ground_truth"`
	Reference   string `json:"reference"`
}

// ReadAsk reads the question from the JSON body, falling back to the query
// string. "query" is accepted as an alias of "question".
func ReadAsk(c *fiber.Ctx) (AskInput, error) {
	var body askBody
	if len(c.Body()) > 0 && strings.Contains(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		if err := c.BodyParser(&body); err != nil {
			return AskInput{}, ErrInvalidBody
		}
	}

	in := AskInput{
		Question:  firstNonEmpty(body.Question, body.Query, c.Query("question"), c.Query("query")),
		Reference: firstNonEmpty(body.GroundTruth, body.Reference, c.Query("ground_truth"), c.Query("reference")),
	}
	in.Question = sanitizeString(in.Question)
	in.Reference = sanitizeString(in.Reference)

	if in.Question == "" {
		return AskInput{}, ErrMissingQuestion
	}
	return in, nil
}

// Check sanitizes in and enforces the length and content rules applied to
// every question, whatever transport it arrived on. maxLength <= 0 means
// DefaultMaxQuestionLength.
func Check(in AskInput, maxLength int) (AskInput, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxQuestionLength
	}

	in.Question = sanitizeString(in.Question)
	in.Reference = sanitizeString(in.Reference)

	if in.Question == "" {
		return AskInput{}, ErrMissingQuestion
	}
	if utf8.RuneCountInString(in.Question) > maxLength ||
		utf8.RuneCountInString(in.Reference) > maxLength*4 {
		return AskInput{}, ErrTooLong
	}
	if containsXSS(in.Question) || containsXSS(in.Reference) {
		return AskInput{}, ErrInvalidContent
	}
	return in, nil
}

type Config struct {
	MaxQuestionLength   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects unsupported content types and, on ask routes,
// malformed or oversized questions. The parsed question is stored under
// AskInputKey.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEApplicationForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && len(c.Body()) > 0 {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		if c.Method() != fiber.MethodPost || c.Path() != "/ask" {
			return c.Next()
		}

		raw, err := ReadAsk(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		in, err := Check(raw, cfg.MaxQuestionLength)
		if err != nil {
			if errors.Is(err, ErrInvalidContent) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("question", raw.Question),
				)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		c.Locals(AskInputKey, in)
		return c.Next()
	}
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
