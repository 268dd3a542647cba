package stabilize

import (
	"errors"
	"testing"
)

func TestStateTracker(t *testing.T) {
	st := NewStateTracker()
	st.Start("b")
	st.Report(StabilizationProgress{FrameID: "b", CurrentPass: 2, MaxPasses: 11, Score: 7.5})
	st.Report(StabilizationProgress{FrameID: "a", CurrentPass: 1, MaxPasses: 4, Score: 3})

	b, ok := st.Get("b")
	if !ok || b.State != FrameRunning || b.Progress.CurrentPass != 2 || b.Score != 7.5 {
		t.Errorf("b = %+v", b)
	}

	// returned copies must not alias tracker state
	b.Progress.CurrentPass = 99
	if again, _ := st.Get("b"); again.Progress.CurrentPass != 2 {
		t.Error("Get returned an aliased progress snapshot")
	}

	st.Complete(&StabilizationResult{FrameID: "a", FinalScore: StabilizationScore{Value: 0.2}})
	st.Complete(&StabilizationResult{FrameID: "c", Failed: true})
	st.Fail("b", errors.New("boom"))

	all := st.All()
	if len(all) != 3 || all[0].FrameID != "a" || all[2].FrameID != "c" {
		t.Fatalf("All = %+v", all)
	}
	if all[1].State != FrameError || all[1].Error != "boom" {
		t.Errorf("b = %+v", all[1])
	}

	counts := st.Counts()
	if counts[FrameDone] != 1 || counts[FrameFailed] != 1 || counts[FrameError] != 1 {
		t.Errorf("Counts = %v", counts)
	}
	if _, ok := st.Get("zzz"); ok {
		t.Error("unknown frame should not be found")
	}
}
