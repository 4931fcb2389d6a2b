package validation

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestCheck(t *testing.T) {
	in, err := Check(AskInput{Question: " Which\x00 hotel? ", Reference: " City "}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Question != "Which hotel?" || in.Reference != "City" {
		t.Errorf("unexpected sanitized input %+v", in)
	}

	tests := []struct {
		name string
		in   AskInput
		max  int
		want error
	}{
		{"blank", AskInput{Question: "\x00 "}, 0, ErrMissingQuestion},
		{"question too long", AskInput{Question: strings.Repeat("é", 11)}, 10, ErrTooLong},
		{"reference too long", AskInput{Question: "q", Reference: strings.Repeat("x", 41)}, 10, ErrTooLong},
		{"iframe", AskInput{Question: "<iframe src=x>"}, 0, ErrInvalidContent},
		{"sql words allowed", AskInput{Question: "Select the year with most cancellations; drop none"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Check(tt.in, tt.max); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMiddlewareAsk(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQuestionLength: 10}))
	app.Post("/ask", func(c *fiber.Ctx) error {
		in := c.Locals(AskInputKey).(AskInput)
		return c.SendString(in.Question)
	})

	post := func(body string) (int, string) {
		req := httptest.NewRequest("POST", "/ask", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	if status, body := post(`{"question": "  Top ADR "}`); status != fiber.StatusOK || body != "Top ADR" {
		t.Errorf("unexpected %d %q", status, body)
	}
	if status, _ := post(`{"question": "far too long question"}`); status != fiber.StatusBadRequest {
		t.Errorf("expected 400 for long question, got %d", status)
	}
	if status, _ := post(`{"question": "<script>"}`); status != fiber.StatusBadRequest {
		t.Errorf("expected 400 for script, got %d", status)
	}
	if status, _ := post(`{"question": `); status != fiber.StatusBadRequest {
		t.Errorf("expected 400 for broken JSON, got %d", status)
	}
}
