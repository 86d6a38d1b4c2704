package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriter_WriteHeaderOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStatusWriter(rec)

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusBadRequest)

	if sw.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", sw.status)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("recorded code = %d, want 201", rec.Code)
	}
}

func TestStatusWriter_WriteCountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStatusWriter(rec)

	n, err := sw.Write([]byte("saga"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	sw.Write([]byte("flow"))

	if n != 4 || sw.size != 8 {
		t.Errorf("n = %d size = %d, want 4 and 8", n, sw.size)
	}
	if sw.status != http.StatusOK || !sw.wroteHeader {
		t.Errorf("implicit header not recorded: status %d", sw.status)
	}
}

func TestStatusWriter_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStatusWriter(rec)

	if sw.Unwrap() != rec {
		t.Error("Unwrap did not return the wrapped writer")
	}
	sw.Flush()
	if !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
}
