package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingMiddleware struct {
	Base
	name    string
	halt    bool
	err     error
	events  *[]string
}

func (m *recordingMiddleware) Pre(ctx *Context, w http.ResponseWriter, r *http.Request) (Result, error) {
	*m.events = append(*m.events, "pre:"+m.name)
	if m.err != nil {
		return Result{}, m.err
	}
	return Result{Halt: m.halt}, nil
}

func (m *recordingMiddleware) Post(ctx *Context, w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	*m.events = append(*m.events, "post:"+m.name)
	return nil
}

func TestChainRunsPreInOrderAndPostInReverse(t *testing.T) {
	var events []string
	chain := NewChain(
		&recordingMiddleware{name: "a", events: &events},
		&recordingMiddleware{name: "b", events: &events},
		&recordingMiddleware{name: "c", events: &events},
	)

	ctx := NewContext("route-1")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	ran, halted, err := chain.RunPre(ctx, rec, req)
	if err != nil || halted {
		t.Fatalf("RunPre: ran=%d halted=%v err=%v", ran, halted, err)
	}
	if ran != 3 {
		t.Fatalf("expected all 3 middlewares to run, got %d", ran)
	}

	if err := chain.RunPost(ctx, rec, req, nil, ran); err != nil {
		t.Fatalf("RunPost: %v", err)
	}

	want := []string{"pre:a", "pre:b", "pre:c", "post:c", "post:b", "post:a"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestChainHaltStopsRemainingPreAndUnwindsOnlyRanPrefix(t *testing.T) {
	var events []string
	chain := NewChain(
		&recordingMiddleware{name: "a", events: &events},
		&recordingMiddleware{name: "b", halt: true, events: &events},
		&recordingMiddleware{name: "c", events: &events},
	)

	ctx := NewContext("route-1")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	ran, halted, err := chain.RunPre(ctx, rec, req)
	if err != nil {
		t.Fatalf("RunPre: %v", err)
	}
	if !halted {
		t.Fatal("expected the chain to halt at middleware b")
	}
	if ran != 1 {
		t.Fatalf("expected ran=1 (index of b), got %d", ran)
	}

	if err := chain.RunPost(ctx, rec, req, nil, ran); err != nil {
		t.Fatalf("RunPost: %v", err)
	}

	want := []string{"pre:a", "pre:b", "post:a"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestChainPreErrorStopsAndReturnsIndex(t *testing.T) {
	var events []string
	boom := errors.New("boom")
	chain := NewChain(
		&recordingMiddleware{name: "a", events: &events},
		&recordingMiddleware{name: "b", err: boom, events: &events},
	)

	ctx := NewContext("route-1")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	ran, halted, err := chain.RunPre(ctx, rec, req)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if halted {
		t.Fatal("an error, not a halt, should be reported")
	}
	if ran != 1 {
		t.Fatalf("expected the erroring middleware's index, got %d", ran)
	}
}
