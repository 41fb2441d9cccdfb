package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xraph/tally"
)

func TestRemoteGenerator(t *testing.T) {
	var gotPath string
	var gotBody generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Chicken and rice"}`))
	}))
	defer srv.Close()

	gen := newRemoteGenerator(srv.URL+"/", srv.Client()).For("meal-plan")
	out, err := gen.Generate(context.Background(), "u1", json.RawMessage(`{"dogName":"Rex"}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/meal-plan" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Subject != "u1" || string(gotBody.Input) != `{"dogName":"Rex"}` {
		t.Errorf("body = %+v", gotBody)
	}
	m, ok := out.(map[string]any)
	if !ok || m["title"] != "Chicken and rice" {
		t.Errorf("out = %v", out)
	}
}

func TestRemoteGeneratorFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"not json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newRemoteGenerator(srv.URL, srv.Client()).For("recipe").Generate(context.Background(), "u1", nil)
			if !errors.Is(err, tally.ErrUpstream) {
				t.Fatalf("err = %v, want ErrUpstream", err)
			}
		})
	}
}

func TestValidateInput(t *testing.T) {
	long := strings.Repeat("a", maxFieldLength+1)

	tests := []struct {
		name       string
		input      string
		wantFields []string
	}{
		{"empty", "", nil},
		{"object", `{"dogName":"Rex","age":3}`, nil},
		{"array", `[1,2]`, []string{"body"}},
		{"long fields", `{"b":"` + long + `","a":"` + long + `"}`, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput("meal-plan", json.RawMessage(tt.input))
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("validateInput = %v", err)
				}
				return
			}
			if !errors.Is(err, tally.ErrValidationFailed) {
				t.Fatalf("err = %v, want ErrValidationFailed", err)
			}

			var fields []string
			var multi tally.MultiError
			if errors.As(err, &multi) {
				for _, e := range multi.Errors {
					var ve tally.ValidationError
					if errors.As(e, &ve) {
						fields = append(fields, ve.Field)
					}
				}
			} else {
				var ve tally.ValidationError
				if errors.As(err, &ve) {
					fields = append(fields, ve.Field)
				}
			}
			if strings.Join(fields, ",") != strings.Join(tt.wantFields, ",") {
				t.Errorf("fields = %v, want %v", fields, tt.wantFields)
			}
		})
	}
}
