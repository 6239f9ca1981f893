package audio_test

import (
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
)

func TestDrain_ConsumesUntilClose(t *testing.T) {
	ch := make(chan []byte, 8)
	for i := 0; i < 8; i++ {
		ch <- []byte{byte(i)}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		audio.Drain(ch)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after channel close")
	}
	if _, ok := <-ch; ok {
		t.Error("channel still delivered a value after Drain returned")
	}
}

func TestDrain_EmptyClosedChannel(t *testing.T) {
	ch := make(chan int)
	close(ch)
	audio.Drain(ch)
}
