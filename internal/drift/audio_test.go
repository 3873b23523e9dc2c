package drift

import (
	"testing"

	"github.com/tellyhubcloud/ingestcore/signalbus"
)

func TestAudioEvaluateTracksActualAsSumOfPushedBuffers(t *testing.T) {
	t.Parallel()

	a := NewAudio(signalbus.New(nil), 48000, 2, 2)

	var pushed int64
	for i, ft := range []int64{0, 1920, 3840, 5760} {
		d := a.Evaluate(ft, 4096)
		if !d.DropCurrent {
			pushed += int64(4096)
		}
		pushed += int64(d.SilenceFrames) * 4096
		if a.ActualBytes() != pushed {
			t.Fatalf("iteration %d: ActualBytes=%d, want %d (sum of pushed buffers)", i, a.ActualBytes(), pushed)
		}
	}
}

func TestAudioDropWhenFarAhead(t *testing.T) {
	t.Parallel()

	a := NewAudio(signalbus.New(nil), 48000, 2, 2)

	// Repeatedly decode buffers while source time barely advances: actual
	// bytes race ahead of expected bytes until the controller must drop.
	var dropped bool
	for i := 0; i < 10; i++ {
		d := a.Evaluate(int64(i), 4096)
		if d.DropCurrent {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("expected DropCurrent once actual bytes greatly exceed expected")
	}
}

func TestAudioFatalAfterSustainedThreshold(t *testing.T) {
	t.Parallel()

	a := NewAudio(signalbus.New(nil), 48000, 2, 2)
	a.Evaluate(0, 0) // establishes firstFullTime with zero actual bytes pushed

	// Advance source time far enough that expected bytes vastly exceed
	// quit_threshold while no real buffer is ever fed to correct it
	// (bufSize=0 skips the filler/drop correction path entirely).
	var lastFatal bool
	for i := 0; i < AudioThresholdCheck+1; i++ {
		d := a.Evaluate(90000*1000, 0)
		lastFatal = d.Fatal
		if d.Fatal {
			break
		}
	}
	if !lastFatal {
		t.Error("expected Fatal after AudioThresholdCheck consecutive sustained-drift observations")
	}
}
