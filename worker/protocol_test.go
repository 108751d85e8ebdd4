package worker

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := WorkRequest{WorkID: "w-1", Argv: []string{"cc", "-c", "a.c"}, Inputs: map[string]string{"a.c": "deadbeef"}, WorkDir: "pkg"}
	if err := writeFrame(&buf, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	var got WorkRequest
	if err := readFrame(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.WorkDir != "pkg" || len(got.Argv) != 3 || got.Argv[2] != "a.c" || got.WorkID != "w-1" || got.Inputs["a.c"] != "deadbeef" {
		t.Fatalf("unexpected round-tripped request: %+v", got)
	}
}

func TestFrameRoundTripMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, WorkResponse{ExitCode: 0, Output: "first"})
	writeFrame(&buf, WorkResponse{ExitCode: 1, Output: "second"})

	r := bufio.NewReader(&buf)
	var r1, r2 WorkResponse
	if err := readFrame(r, &r1); err != nil {
		t.Fatalf("readFrame 1: %v", err)
	}
	if err := readFrame(r, &r2); err != nil {
		t.Fatalf("readFrame 2: %v", err)
	}
	if r1.Output != "first" || r2.Output != "second" || r2.ExitCode != 1 {
		t.Fatalf("unexpected frames: %+v %+v", r1, r2)
	}
}
