package careapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/camera_device/actions/{id}/stream_token/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		switch r.PathValue("id") {
		case "blank":
			json.NewEncoder(w).Encode(map[string]string{"token": ""})
		default:
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + r.PathValue("id")})
		}
	})
	mux.HandleFunc("GET /api/camera_device/actions/{id}/get_status/", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "broken" {
			http.Error(w, "gateway unreachable", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"position":{"x":0.25,"y":-0.5,"zoom":0.1},"moveStatus":{"panTilt":"MOVING","zoom":"IDLE"},"error":"NO error"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	c := NewClient(srv.URL+"/", "secret", srv.Client(), nil)

	tok, err := c.StreamToken(context.Background(), "cam1")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-cam1" {
		t.Errorf("token = %q, want tok-cam1", tok)
	}

	if _, err := c.StreamToken(context.Background(), "blank"); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("blank token err = %v, want ErrEmptyToken", err)
	}
}

func TestStreamTokenUnauthorized(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	c := NewClient(srv.URL, "wrong", srv.Client(), nil)

	_, err := c.StreamToken(context.Background(), "cam1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusUnauthorized)
	}
	if se.Path != "/api/camera_device/actions/cam1/stream_token/" {
		t.Errorf("Path = %q", se.Path)
	}
}

func TestCameraStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	c := NewClient(srv.URL, "secret", srv.Client(), nil)

	st, err := c.CameraStatus(context.Background(), "cam1")
	if err != nil {
		t.Fatal(err)
	}
	want := PTZ{X: 0.25, Y: -0.5, Zoom: 0.1}
	if st.Position != want {
		t.Errorf("Position = %+v, want %+v", st.Position, want)
	}
	if !st.Moving() {
		t.Error("Moving = false, want true")
	}

	_, err = c.CameraStatus(context.Background(), "broken")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 StatusError", err)
	}
	if se.Body != "gateway unreachable" {
		t.Errorf("Body = %q", se.Body)
	}
}
