package picker

import (
	"context"
	"runtime"
	"testing"
)

func TestPick(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cases := []struct {
		name string
		argv []string
		want Result
	}{
		{"chosen", []string{"sh", "-c", "printf '/tmp/project.db\\n'"}, Result{Success: true, Path: "/tmp/project.db"}},
		{"cancelled", []string{"sh", "-c", "exit 1"}, Result{Cancelled: true}},
		{"empty output", []string{"sh", "-c", "true"}, Result{Cancelled: true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Pick(context.Background(), c.argv)
			if err != nil {
				t.Fatalf("pick: %v", err)
			}
			if got != c.want {
				t.Fatalf("got %+v want %+v", got, c.want)
			}
		})
	}
}

func TestPickErrors(t *testing.T) {
	if _, err := Pick(context.Background(), nil); err == nil {
		t.Fatalf("expected error without command")
	}
	if _, err := Pick(context.Background(), []string{"/nonexistent/picker-binary"}); err == nil {
		t.Fatalf("expected spawn error")
	}
}
