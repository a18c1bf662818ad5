package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/engine"
	"gend/internal/httpapi"
	"gend/internal/registry"
	"gend/internal/rescache"
	"gend/internal/service"
	"gend/pkg/types"
)

func startServer(t *testing.T, sim *engine.Sim) (*httptest.Server, *service.Service) {
	t.Helper()
	reg := registry.FromModels([]types.Model{
		{ID: "sd15", Name: "sd15", Path: "/models/sd15.safetensors", Class: "diffusion", Variant: "fp16"},
		{ID: "esrgan", Name: "esrgan", Path: "/models/esrgan.pth", Class: "upscaler"},
		{ID: "tiny", Name: "tiny", Path: "/models/tiny.gguf", Class: "text"},
	})
	svc := service.New(service.Options{
		Registry: reg,
		Engine:   sim,
		Provider: "cpu",
		Logger:   zerolog.Nop(),
	})
	svc.Start()
	srv := httptest.NewServer(httpapi.NewMux(service.NewAPI(svc)))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close(2 * time.Second)
	})
	return srv, svc
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestEndToEndQueuedJob(t *testing.T) {
	srv, _ := startServer(t, engine.NewSim(engine.SimOptions{StepDelay: time.Millisecond}))

	var v types.JobView
	if code := postJSON(t, srv.URL+"/jobs?origin=ui", types.JobRequest{Kind: "text-to-image", Prompt: "a lighthouse", Width: 64, Height: 64, Steps: 4}, &v); code != http.StatusAccepted {
		t.Fatalf("submit status=%d", code)
	}
	var final types.JobView
	if code := getJSON(t, srv.URL+"/jobs/"+v.ID+"/wait?timeout=5s", &final); code != http.StatusOK {
		t.Fatalf("wait status=%d", code)
	}
	if final.Status != "completed" || final.Result == nil || len(final.Result.Artifacts) != 1 || final.Result.Artifacts[0].MIMEType != "image/png" {
		t.Fatalf("final: %+v", final)
	}
	var pos types.PositionResponse
	getJSON(t, srv.URL+"/jobs/"+v.ID+"/position", &pos)
	if pos.Position != -1 {
		t.Fatalf("terminal position=%d", pos.Position)
	}

	var st types.StatusResponse
	getJSON(t, srv.URL+"/status", &st)
	if st.Completed != 1 || len(st.Resources) != 1 || st.Resources[0].Class != "diffusion" || st.Resources[0].Provider != "cpu" {
		t.Fatalf("status: %+v", st)
	}

	var un types.UnloadResponse
	if code := postJSON(t, srv.URL+"/resources/unload", types.UnloadRequest{Class: "diffusion"}, &un); code != http.StatusOK || un.Unloaded != 1 {
		t.Fatalf("unload: %d %+v", code, un)
	}
}

func TestEndToEndValidationAndUnknownModel(t *testing.T) {
	srv, _ := startServer(t, engine.NewSim(engine.SimOptions{}))
	var e types.ErrorResponse
	if code := postJSON(t, srv.URL+"/jobs", types.JobRequest{Kind: "text-to-image", Prompt: "x", Width: 63}, &e); code != http.StatusBadRequest {
		t.Fatalf("bad width status=%d %+v", code, e)
	}
	if code := postJSON(t, srv.URL+"/jobs", types.JobRequest{Kind: "text-to-image", Prompt: "x", Model: "nope"}, &e); code != http.StatusNotFound {
		t.Fatalf("unknown model status=%d", code)
	}
	if code := postJSON(t, srv.URL+"/jobs", types.JobRequest{Kind: "dance"}, &e); code != http.StatusBadRequest {
		t.Fatalf("unknown kind status=%d", code)
	}
}

func TestEndToEndCancelPending(t *testing.T) {
	srv, _ := startServer(t, engine.NewSim(engine.SimOptions{StepDelay: 20 * time.Millisecond}))
	req := types.JobRequest{Kind: "text-to-image", Prompt: "slow", Width: 64, Height: 64, Steps: 50}
	var first, second types.JobView
	postJSON(t, srv.URL+"/jobs", req, &first)
	postJSON(t, srv.URL+"/jobs", req, &second)

	var c types.CancelResponse
	if code := postJSON(t, srv.URL+"/jobs/"+second.ID+"/cancel", nil, &c); code != http.StatusOK || !c.Cancelled {
		t.Fatalf("cancel pending: %d %+v", code, c)
	}
	if code := postJSON(t, srv.URL+"/jobs/"+second.ID+"/cancel", nil, &c); code != http.StatusConflict {
		t.Fatalf("second cancel status=%d", code)
	}
	var got types.JobView
	getJSON(t, srv.URL+"/jobs/"+second.ID, &got)
	if got.Status != "cancelled" {
		t.Fatalf("status=%s", got.Status)
	}
	postJSON(t, srv.URL+"/jobs/"+first.ID+"/cancel", nil, nil)
}

func TestEndToEndViewOfRunningJobIsImmediate(t *testing.T) {
	srv, _ := startServer(t, engine.NewSim(engine.SimOptions{StepDelay: 50 * time.Millisecond}))
	req := types.JobRequest{Kind: "text-to-image", Prompt: "slow", Width: 64, Height: 64, Steps: 40}

	start := time.Now()
	var v types.JobView
	if code := postJSON(t, srv.URL+"/jobs", req, &v); code != http.StatusAccepted {
		t.Fatalf("submit status=%d", code)
	}
	var got types.JobView
	if code := getJSON(t, srv.URL+"/jobs/"+v.ID, &got); code != http.StatusOK {
		t.Fatalf("get status=%d", code)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("submit and get took %s", d)
	}
	if got.Status != "pending" && got.Status != "processing" {
		t.Fatalf("status=%s", got.Status)
	}
	postJSON(t, srv.URL+"/jobs/"+v.ID+"/cancel", nil, nil)
}

func TestEndToEndInteractiveAndEvents(t *testing.T) {
	srv, svc := startServer(t, engine.NewSim(engine.SimOptions{StepDelay: time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?origin=ui", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Bus().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	var out types.JobResult
	if code := postJSON(t, srv.URL+"/generate", types.JobRequest{Kind: "text-generate", Prompt: "one two three", MaxTokens: 2}, &out); code != http.StatusOK {
		t.Fatalf("generate status=%d", code)
	}
	if out.Text == "" || out.Kind != "text-generate" {
		t.Fatalf("generate result: %+v", out)
	}

	var v types.JobView
	postJSON(t, srv.URL+"/jobs?origin=ui", types.JobRequest{Kind: "upscale", Image: pngImage(t), Scale: 2}, &v)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e types.EventDTO
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("event line: %v", err)
		}
		if e.JobID != v.ID {
			t.Fatalf("unexpected event for %s", e.JobID)
		}
		if e.Type == "completed" {
			if e.Result == nil || len(e.Result.Artifacts) != 1 {
				t.Fatalf("completed event: %+v", e)
			}
			return
		}
	}
	t.Fatalf("stream ended without completion: %v", sc.Err())
}

// pngImage returns a small PNG produced by the simulator itself.
func pngImage(t *testing.T) []byte {
	t.Helper()
	sim := engine.NewSim(engine.SimOptions{})
	req := engine.Request{Kind: "text-to-image", Prompt: "seed", Width: 64, Height: 64, Steps: 1}
	res, err := sim.Execute(context.Background(), mustConstruct(t, sim), req, nil)
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	return res.Artifacts[0].Data
}

func mustConstruct(t *testing.T, sim *engine.Sim) any {
	t.Helper()
	r, err := sim.Construct(context.Background(), rescache.ClassDiffusion, rescache.Key{ModelPath: "/models/seed"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	return r
}
