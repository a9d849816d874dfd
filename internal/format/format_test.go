package format

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/fetch"
)

func TestDecodeJSON(t *testing.T) {
	var c Codec
	records, err := c.Decode(context.Background(), []byte(`[{"name":"a"},{"name":"b"}]`), &dsl.FormatSpec{FormatType: "json"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 2 || records[0]["name"] != "a" {
		t.Fatalf("records = %+v", records)
	}
}

func TestDecodeCSV(t *testing.T) {
	var c Codec
	records, err := c.Decode(context.Background(), []byte("name,age\nalice,30\nbob,40\n"), &dsl.FormatSpec{FormatType: "csv"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 2 || records[0]["name"] != "alice" || records[1]["age"] != "40" {
		t.Fatalf("records = %+v", records)
	}
}

func TestSinkPushesToURI(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &Sink{Fetcher: fetch.New(srv.Client(), 0, 0, fetch.RetryConfig{MaxAttempts: 1})}
	output := &dsl.PushOutput{
		Kind: "push",
		Destination: &dsl.Destination{
			DestinationType: "uri",
			Config:          map[string]any{"uri": srv.URL},
		},
	}
	err := sink.Emit(context.Background(), []map[string]any{{"a": 1}}, output, &dsl.FormatSpec{FormatType: "json"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if gotBody == "" {
		t.Fatal("expected request body to be delivered")
	}
}

func TestSinkBuffersNonPushOutput(t *testing.T) {
	sink := &Sink{}
	err := sink.Emit(context.Background(), []map[string]any{{"a": 1}}, nil, &dsl.FormatSpec{FormatType: "json"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(sink.Last()) == 0 {
		t.Fatal("expected buffered output")
	}
}
