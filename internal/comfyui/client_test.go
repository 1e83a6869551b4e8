package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return NewClient(srv.URL, ws, 0, nil), srv
}

func TestSystemStats(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system_stats" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"system": map[string]any{"comfyui_version": "0.3.10"},
		})
	}))

	stats, err := client.SystemStats(context.Background())
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	system, _ := stats["system"].(map[string]any)
	if system["comfyui_version"] != "0.3.10" {
		t.Errorf("version = %v", system["comfyui_version"])
	}
}

func TestObjectInfoSingleNode(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/object_info/KSampler" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"KSampler": map[string]any{"category": "sampling"}})
	}))

	info, err := client.ObjectInfo(context.Background(), "KSampler")
	if err != nil {
		t.Fatalf("ObjectInfo: %v", err)
	}
	if _, ok := info["KSampler"]; !ok {
		t.Error("expected KSampler entry")
	}
}

func TestQueuePromptSendsClientID(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/prompt" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p-1", "number": 3})
	}))

	workflow := map[string]any{"1": map[string]any{"class_type": "KSampler"}}
	out, err := client.QueuePrompt(context.Background(), workflow)
	if err != nil {
		t.Fatalf("QueuePrompt: %v", err)
	}
	if out["prompt_id"] != "p-1" {
		t.Errorf("prompt_id = %v", out["prompt_id"])
	}
	if got["client_id"] != client.ClientID() {
		t.Errorf("client_id = %v, want %s", got["client_id"], client.ClientID())
	}
	if _, ok := got["prompt"]; !ok {
		t.Error("body missing prompt")
	}
}

func TestHTTPErrorSurfacesStatusAndBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid prompt"}`, http.StatusBadRequest)
	}))

	_, err := client.QueuePrompt(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error type = %T", err)
	}
	if httpErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d", httpErr.Status)
	}
	if !strings.Contains(httpErr.Body, "invalid prompt") {
		t.Errorf("body = %q", httpErr.Body)
	}
}

func TestHistoryByPromptID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/history/p-9" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"p-9": map[string]any{"outputs": map[string]any{}}})
	}))

	history, err := client.History(context.Background(), "p-9", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if _, ok := history["p-9"]; !ok {
		t.Error("expected p-9 entry")
	}
}

func TestHistoryRecentUsesMaxItems(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/history" || r.URL.Query().Get("max_items") != "5" {
			t.Errorf("url = %q", r.URL.String())
		}
		json.NewEncoder(w).Encode(map[string]any{})
	}))

	if _, err := client.History(context.Background(), "", 5); err != nil {
		t.Fatalf("History: %v", err)
	}
}

func TestListModels(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models/checkpoints" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]string{"sd_xl_base_1.0.safetensors", "v1-5-pruned.ckpt"})
	}))

	names, err := client.ListModels(context.Background(), "checkpoints")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "sd_xl_base_1.0.safetensors" {
		t.Errorf("names = %v", names)
	}
}

func TestUploadImageMultipart(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("overwrite") != "true" {
			t.Errorf("overwrite = %q", r.FormValue("overwrite"))
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "input.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "pngbytes" {
			t.Errorf("data = %q", data)
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "input.png", "type": "input"})
	}))

	out, err := client.UploadImage(context.Background(), []byte("pngbytes"), "input.png", true)
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if out["name"] != "input.png" {
		t.Errorf("name = %v", out["name"])
	}
}

func TestImageURL(t *testing.T) {
	client := NewClient("http://host:6006", "ws://host:6006/ws", 0, nil)
	got := client.ImageURL("out.png", "batch", "")
	want := "http://host:6006/api/view?filename=out.png&subfolder=batch&type=output"
	if got != want {
		t.Errorf("ImageURL = %q, want %q", got, want)
	}
}

func TestManagerForbidden(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.ManagerInstallNode(context.Background(), "comfyui-impact-pack", "")
	if !errors.Is(err, ErrManagerForbidden) {
		t.Errorf("err = %v, want ErrManagerForbidden", err)
	}
	_, err = client.ManagerNodeList(context.Background())
	if !errors.Is(err, ErrManagerForbidden) {
		t.Errorf("node list err = %v, want ErrManagerForbidden", err)
	}
}

func TestManagerInstallNodeDefaultsVersion(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customnode/install" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))

	if _, err := client.ManagerInstallNode(context.Background(), "comfyui-impact-pack", ""); err != nil {
		t.Fatalf("ManagerInstallNode: %v", err)
	}
	if got["version"] != "latest" || got["id"] != "comfyui-impact-pack" {
		t.Errorf("body = %v", got)
	}
}

func TestManagerAvailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manager/version" {
			io.WriteString(w, "3.31")
			return
		}
		http.NotFound(w, r)
	}))

	if !client.ManagerAvailable(context.Background()) {
		t.Error("expected Manager to be available")
	}
}
