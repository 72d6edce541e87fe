package callback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/forgebell/mockserve/internal/callback"
)

func TestSink_CompleteDeliversResult(t *testing.T) {
	s := callback.NewSink()
	s.Complete([]byte("ok"), nil)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to be closed after Complete")
	}
	data, err := s.Result()
	if err != nil || string(data) != "ok" {
		t.Errorf("Result() = (%q, %v), want (ok, nil)", data, err)
	}
}

func TestSink_CompleteIsOneShot(t *testing.T) {
	s := callback.NewSink()
	wantErr := errors.New("first")
	s.Complete(nil, wantErr)
	s.Complete([]byte("second"), nil)

	_, err := s.Result()
	if err != wantErr {
		t.Errorf("expected first Complete to win, got err=%v", err)
	}
}
