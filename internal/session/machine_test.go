package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose init starts a stats worker.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func TestStartCreatesFirstStep(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes - delicates", "english")
	require.NoError(t, err)
	assert.Equal(t, "id-1", res.SessionID)
	assert.Equal(t, domain.StatusInProgress, res.CoachUpdate.Status)
	assert.Equal(t, "Sort laundry", res.CoachUpdate.NextStep.Title)

	call := h.coach.lastCall()
	assert.Equal(t, "Wash clothes - delicates", call.Goal)
	assert.Equal(t, "english", call.Language)
	assert.Empty(t, call.Recent)
	assert.Zero(t, call.TotalSteps)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 1)
	assert.Equal(t, "id-2", sess.Steps[0].ID)
	assert.Equal(t, domain.OutcomePending, sess.Steps[0].Outcome)
	assert.Equal(t, 0, sess.CurrentStepIndex)

	art, err := h.machine.Report(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, art.Checklist, 1)
	assert.Equal(t, domain.OutcomePending, art.Checklist[0].Outcome)
	assert.Empty(t, art.CorrectionsLog)

	assert.Equal(t, []domain.EventKind{domain.EventSessionStarted}, h.journal.kinds(res.SessionID))
	assert.Equal(t, 1, h.recorder.active)
}

func TestStartStatusIsAlwaysInitial(t *testing.T) {
	cases := []struct {
		name   string
		update *domain.CoachUpdate
		want   domain.Status
		title  string
	}{
		{"fallback", nil, domain.StatusNeedsInput, "Continue task"},
		{"needs input", withStatus(step("Open the lid", false), domain.StatusNeedsInput), domain.StatusNeedsInput, "Open the lid"},
		{"complete", withStatus(step("Open the lid", false), domain.StatusComplete), domain.StatusInProgress, "Open the lid"},
		{"verify step", withStatus(step("Open the lid", true), domain.StatusVerifyStep), domain.StatusInProgress, "Open the lid"},
		{"untitled", withStatus(step("", false), domain.StatusInProgress), domain.StatusInProgress, "Continue task"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.coach.then(tc.update)

			res, err := h.machine.Start(context.Background(), "Wash clothes", "")
			require.NoError(t, err)
			assert.NotEmpty(t, res.SessionID)
			assert.Equal(t, tc.want, res.CoachUpdate.Status)

			sess, err := h.store.Get(res.SessionID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sess.Status)
			require.Len(t, sess.Steps, 1)
			assert.Equal(t, tc.title, sess.Steps[0].Title)
		})
	}
}

func TestStartRequiresGoal(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.Start(context.Background(), "   ", "english")
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Zero(t, h.coach.callCount())
	assert.Zero(t, h.store.Len())
}

func TestStartQuestionsGetSequentialIDs(t *testing.T) {
	h := newHarness(t)
	first := step("Sort laundry", false)
	first.AskUser = []string{"What fabric?", "Any stains?"}
	h.coach.then(first, step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)
	assert.Equal(t, []domain.Question{{ID: "q1", Text: "What fabric?"}, {ID: "q2", Text: "Any stains?"}}, res.Questions)

	st, err := h.machine.Status(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, st.Progress.PendingQuestions, 2)

	ans, err := h.machine.Answer(ctx, res.SessionID, "q1", "silk")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, ans.Status)

	call := h.coach.lastCall()
	assert.Equal(t, map[string]string{"q1": "silk"}, call.Answers)
	assert.Equal(t, "What fabric?", call.Questions["q1"])

	st, err = h.machine.Status(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Question{{ID: "q2", Text: "Any stains?"}}, st.Progress.PendingQuestions)
}

func TestAnswerUnknownQuestionIsKept(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	ans, err := h.machine.Answer(ctx, res.SessionID, "q1", "cotton")
	require.NoError(t, err)
	assert.Equal(t, "Sort laundry", ans.CoachUpdate.NextStep.Title)
	assert.Equal(t, map[string]string{"q1": "cotton"}, h.coach.lastCall().Answers)

	_, err = h.machine.Answer(ctx, res.SessionID, "", "cotton")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const id = "nonexistent-session-id"

	_, err := h.machine.PushFrame(ctx, id, frame)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.machine.Answer(ctx, id, "q1", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.machine.Verify(ctx, id, "step", frame)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.machine.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.machine.Report(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.machine.Resume(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.machine.Delete(ctx, id), ErrNotFound)

	assert.Zero(t, h.coach.callCount())
}

func TestPushFrameRequiresImage(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	for _, id := range []string{res.SessionID, "nonexistent-session-id"} {
		_, err = h.machine.PushFrame(ctx, id, "")
		assert.ErrorIs(t, err, ErrBadRequest)
	}
	assert.Empty(t, h.perception.calls)
}

func TestPushFrameAdvancesPastUnverifiedStep(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false), step("Load drum", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, "frame 1", fr.PerceptionSummary.SceneSummary)
	assert.Equal(t, "Load drum", fr.CoachUpdate.NextStep.Title)
	assert.Nil(t, fr.Verification)

	pc := h.perception.calls[0]
	assert.Equal(t, "Sort laundry", pc.StepFocus)
	assert.Equal(t, frame, pc.Frame)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 2)
	assert.Equal(t, domain.OutcomePassed, sess.Steps[0].Outcome)
	assert.Equal(t, domain.OutcomePending, sess.Steps[1].Outcome)
	assert.Equal(t, 1, sess.CurrentStepIndex)
	assert.Equal(t, 1, sess.Context.Len())
	assert.Empty(t, sess.VerificationAttempts)
}

func TestPushFrameSameStepRefreshes(t *testing.T) {
	h := newHarness(t)
	refined := step("  sort   LAUNDRY ", false)
	refined.NextStep.Instruction = "Put delicates in the mesh bag"
	h.coach.then(step("Sort laundry", false), refined)
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)
	_, err = h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 1)
	assert.Equal(t, "Sort laundry", sess.Steps[0].Title)
	assert.Equal(t, "Put delicates in the mesh bag", sess.Steps[0].Instruction)
	assert.Equal(t, domain.OutcomePending, sess.Steps[0].Outcome)
}

func TestPushFrameKeepsStepAwaitingVerification(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Set dial", true), step("Start cycle", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerifyStep, fr.Status)
	assert.Equal(t, domain.StatusVerifyStep, fr.CoachUpdate.Status)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 1)
	assert.Equal(t, domain.OutcomePending, sess.Steps[0].Outcome)
}

func TestPushFrameCoachFallbackKeepsSteps(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false), nil)
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsInput, fr.Status)
	assert.Equal(t, "Continue task", fr.CoachUpdate.NextStep.Title)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 1)
	assert.Equal(t, "Sort laundry", sess.Steps[0].Title)
	assert.Equal(t, domain.OutcomePending, sess.Steps[0].Outcome)
}

func TestCoachSeesAtMostThreeObservations(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Watch the drum", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame %d", i), fr.PerceptionSummary.SceneSummary)

		recent := h.coach.lastCall().Recent
		assert.LessOrEqual(t, len(recent), 3)
		require.NotEmpty(t, recent)
		assert.Equal(t, fmt.Sprintf("frame %d", i), recent[len(recent)-1].SceneSummary, "latest observation is last")
		assert.LessOrEqual(t, len(h.perception.calls[i-1].Recent), 3)
	}

	recent := h.coach.lastCall().Recent
	require.Len(t, recent, 3)
	assert.Equal(t, "frame 4", recent[0].SceneSummary)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 6, sess.Context.Len(), "history is retained")
}

func TestThreeFailsEscalateIgnoringUnclear(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Set dial to delicates", true), step("Start cycle", false))
	h.verifier.then(domain.VerdictFail, domain.VerdictUnclear, domain.VerdictFail, domain.VerdictFail)
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)
	const stepID = "id-2"

	vr, err := h.machine.Verify(ctx, res.SessionID, stepID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, vr.Verdict)
	assert.Equal(t, 1, vr.Attempts)
	assert.Equal(t, 3, vr.MaxAttempts)
	assert.Equal(t, "fix it", vr.Correction)
	assert.Equal(t, domain.StatusVerifyStep, vr.Status)
	assert.Equal(t, domain.OutcomePending, vr.StepOutcome)

	vr, err = h.machine.Verify(ctx, res.SessionID, stepID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnclear, vr.Verdict)
	assert.Equal(t, 1, vr.Attempts, "unclear consumes no attempt")
	assert.Equal(t, "Move closer to the dial", vr.RequestNewEvidence)
	assert.Equal(t, domain.StatusVerifyStep, vr.Status)

	vr, err = h.machine.Verify(ctx, res.SessionID, stepID, frame)
	require.NoError(t, err)
	assert.Equal(t, 2, vr.Attempts)
	assert.False(t, vr.Escalated)

	vr, err = h.machine.Verify(ctx, res.SessionID, stepID, frame)
	require.NoError(t, err)
	assert.Equal(t, 3, vr.Attempts)
	assert.True(t, vr.Escalated)
	assert.Equal(t, domain.OutcomeFailedEscalated, vr.StepOutcome)
	assert.Equal(t, []string{"Ask for help with Set dial to delicates"}, vr.FallbackOptions)
	assert.Equal(t, "Start cycle", vr.CoachUpdate.NextStep.Title)
	assert.Equal(t, domain.StatusInProgress, vr.Status)

	assert.Equal(t, []string{"reason fail", "reason fail"}, h.verifier.calls[3].PreviousFailures)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 2)
	assert.Equal(t, 1, sess.CurrentStepIndex)
	assert.Equal(t, "Start cycle", sess.ActiveStep().Title)
	assert.Equal(t, 4, sess.Context.Len())

	art, err := h.machine.Report(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fix it", "fix it", "fix it"}, art.CorrectionsLog)
	assert.Equal(t, domain.OutcomeFailedEscalated, art.Checklist[0].Outcome)
	assert.Equal(t, domain.OutcomePending, art.Checklist[1].Outcome)

	kinds := h.journal.kinds(res.SessionID)
	assert.Equal(t, domain.EventStepEscalated, kinds[len(kinds)-1])
	assert.Len(t, h.recorder.verdicts, 4)

	_, err = h.machine.Verify(ctx, res.SessionID, stepID, frame)
	assert.ErrorIs(t, err, ErrInvalidTransition, "escalated step cannot be verified again")
}

func TestVerifyFailWithoutCorrectionUsesDefault(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Set dial", true))
	h.verifier.script = []domain.Verification{{Verdict: domain.VerdictFail, Reason: "dial on wool"}}
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	vr, err := h.machine.Verify(ctx, res.SessionID, "id-2", frame)
	require.NoError(t, err)
	assert.Equal(t, DefaultCorrection, vr.Correction)

	art, err := h.machine.Report(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultCorrection}, art.CorrectionsLog)
}

func TestVerifierFallbackIsUnclear(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Set dial", true))
	h.verifier.failing = true
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	vr, err := h.machine.Verify(ctx, res.SessionID, "id-2", frame)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnclear, vr.Verdict)
	assert.Zero(t, vr.Attempts)
	assert.Equal(t, "Please capture a clearer image", vr.RequestNewEvidence)
}

func TestVerifyRejectsUnknownAndUnverifiableSteps(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	_, err = h.machine.Verify(ctx, res.SessionID, "fake-step-id", frame)
	require.ErrorIs(t, err, ErrStepNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.machine.Verify(ctx, res.SessionID, "id-2", frame)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "verify", te.Op)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = h.machine.Verify(ctx, res.SessionID, "id-2", "")
	assert.ErrorIs(t, err, ErrBadRequest)

	assert.Zero(t, h.verifier.callCount())

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.VerificationAttempts, "unverified steps never gain attempts")
}

func TestFrameWhileVerifyingIsEvidence(t *testing.T) {
	h := newHarness(t)
	h.coach.then(
		step("Set dial", true),
		withStatus(step("Set dial", true), domain.StatusVerifyStep),
		step("Start cycle", false),
	)
	h.verifier.then(domain.VerdictPass)
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerifyStep, fr.Status)
	assert.Nil(t, fr.Verification)
	assert.Equal(t, 2, h.coach.callCount())

	fr, err = h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	require.NotNil(t, fr.Verification)
	assert.Equal(t, domain.VerdictPass, fr.Verification.Verdict)
	assert.Equal(t, domain.OutcomePassed, fr.Verification.StepOutcome)
	assert.Equal(t, "frame 2", fr.PerceptionSummary.SceneSummary)
	assert.Equal(t, "Start cycle", fr.CoachUpdate.NextStep.Title)
	assert.Equal(t, domain.StatusInProgress, fr.Status)
	assert.Equal(t, 1, h.verifier.callCount())
	assert.Equal(t, 3, h.coach.callCount(), "coach consulted only for the next step")

	vc := h.verifier.calls[0]
	assert.Equal(t, "Set dial", vc.StepTitle)
	assert.Equal(t, "frame 2", vc.Evidence.SceneSummary)
}

func TestCompleteSession(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Open the door", false), withStatus(step("Open the door", false), domain.StatusComplete))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, fr.Status)

	fr, err = h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, fr.CoachUpdate.Status)
	assert.Equal(t, "frame 2", fr.PerceptionSummary.SceneSummary)
	assert.Equal(t, 2, h.coach.callCount(), "complete sessions do not consult the coach")

	ans, err := h.machine.Answer(ctx, res.SessionID, "q1", "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, ans.Status)
	assert.Equal(t, 2, h.coach.callCount())

	_, err = h.machine.Verify(ctx, res.SessionID, "id-2", frame)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err := h.machine.Status(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Progress.CompletedSteps)
	assert.Equal(t, 1, st.Progress.TotalSteps)
	assert.Nil(t, st.Progress.CurrentStep)
	assert.Equal(t, 2, st.Progress.Observations)

	assert.Contains(t, h.journal.kinds(res.SessionID), domain.EventSessionCompleted)
}

func TestCompleteWaitsForPendingVerification(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Set dial", true), withStatus(step("Set dial", true), domain.StatusComplete))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerifyStep, fr.Status)
}

func TestSupersededFrameIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Watch the drum", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.coach.mu.Lock()
	h.coach.hook = func(call int) {
		if call == 2 {
			close(entered)
			<-release
		}
	}
	h.coach.mu.Unlock()

	var g errgroup.Group
	var staleErr error
	g.Go(func() error {
		_, staleErr = h.machine.PushFrame(ctx, res.SessionID, frame)
		return nil
	})

	<-entered
	fr, err := h.machine.PushFrame(ctx, res.SessionID, frame)
	require.NoError(t, err)
	assert.Equal(t, "frame 2", fr.PerceptionSummary.SceneSummary)
	close(release)
	require.NoError(t, g.Wait())

	require.ErrorIs(t, staleErr, ErrSuperseded)
	assert.Contains(t, h.recorder.superseded, "push_frame")

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, sess.Context.Len(), "stale observation is not applied")
	assert.Equal(t, "frame 2", sess.Context.Last(1)[0].SceneSummary)
}

func TestAnswerDuringFrameKeepsFrame(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Watch the drum", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.coach.mu.Lock()
	h.coach.hook = func(call int) {
		if call == 2 {
			close(entered)
			<-release
		}
	}
	h.coach.mu.Unlock()

	var g errgroup.Group
	var frameErr error
	g.Go(func() error {
		_, frameErr = h.machine.PushFrame(ctx, res.SessionID, frame)
		return nil
	})

	<-entered
	_, err = h.machine.Answer(ctx, res.SessionID, "q1", "delicates")
	require.NoError(t, err)
	close(release)
	require.NoError(t, g.Wait())

	require.NoError(t, frameErr)
	assert.Empty(t, h.recorder.superseded)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Context.Len(), "observation is committed")
	assert.Equal(t, "delicates", sess.Answers["q1"])
	assert.Len(t, sess.Steps, 1)
}

func TestFrameCoachReplaysWhenStepMoved(t *testing.T) {
	h := newHarness(t)
	h.coach.then(
		step("Sort laundry", false),
		step("Sort laundry", false),
		step("Load the drum", false),
	)
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.coach.mu.Lock()
	h.coach.hook = func(call int) {
		if call == 2 {
			close(entered)
			<-release
		}
	}
	h.coach.mu.Unlock()

	var g errgroup.Group
	var fr FrameResult
	var frameErr error
	g.Go(func() error {
		fr, frameErr = h.machine.PushFrame(ctx, res.SessionID, frame)
		return nil
	})

	<-entered
	ans, err := h.machine.Answer(ctx, res.SessionID, "q1", "all sorted")
	require.NoError(t, err)
	assert.Equal(t, "Load the drum", ans.CoachUpdate.NextStep.Title)
	close(release)
	require.NoError(t, g.Wait())

	require.NoError(t, frameErr)
	assert.Equal(t, 4, h.coach.callCount(), "frame asked the coach again after the step moved")
	assert.Equal(t, "Load the drum", fr.CoachUpdate.NextStep.Title)
	assert.Equal(t, "frame 1", fr.PerceptionSummary.SceneSummary)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Context.Len())
	require.Len(t, sess.Steps, 2)
	assert.Equal(t, domain.OutcomePassed, sess.Steps[0].Outcome)
	assert.Equal(t, domain.OutcomePending, sess.Steps[1].Outcome)
}

func TestConcurrentFramesSameSession(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Watch the drum", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, errs[i] = h.machine.PushFrame(ctx, res.SessionID, frame)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrSuperseded)
	}
	assert.GreaterOrEqual(t, ok, 1, "the last submitted frame always wins")

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ok, sess.Context.Len())
	assert.Len(t, sess.Steps, 1)
}

func TestSessionsRunIndependently(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Watch the drum", false))
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res, err := h.machine.Start(gctx, fmt.Sprintf("goal %d", i), "")
			if err != nil {
				return err
			}
			for j := 0; j < 3; j++ {
				if _, err := h.machine.PushFrame(gctx, res.SessionID, frame); err != nil {
					return err
				}
			}
			st, err := h.machine.Status(gctx, res.SessionID)
			if err != nil {
				return err
			}
			if st.Progress.Observations != 3 {
				return fmt.Errorf("session %s: %d observations", res.SessionID, st.Progress.Observations)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 16, h.store.Len())
}

func TestResumeDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)
	before, err := h.store.Get(res.SessionID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rr, err := h.machine.Resume(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, "Session resumed", rr.Message)
		assert.Equal(t, res.SessionID, rr.SessionID)
	}

	after, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	res, err := h.machine.Start(ctx, "Wash clothes", "")
	require.NoError(t, err)

	require.NoError(t, h.machine.Delete(ctx, res.SessionID))
	_, err = h.machine.Status(ctx, res.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.recorder.active)

	kinds := h.journal.kinds(res.SessionID)
	assert.Equal(t, domain.EventSessionDeleted, kinds[len(kinds)-1])
}

func TestJournalFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	h.journal.err = errors.New("disk full")

	_, err := h.machine.Start(context.Background(), "Wash clothes", "")
	require.NoError(t, err)
}

func TestCancelledRequestDoesNotCommit(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))

	res, err := h.machine.Start(context.Background(), "Wash clothes", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.machine.PushFrame(ctx, res.SessionID, frame)
	require.ErrorIs(t, err, context.Canceled)

	sess, err := h.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Zero(t, sess.Context.Len())
}

func TestSweepIdle(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))
	ctx := context.Background()

	idle, err := h.machine.Start(ctx, "idle", "")
	require.NoError(t, err)
	active, err := h.machine.Start(ctx, "active", "")
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	_, err = h.machine.PushFrame(ctx, active.SessionID, frame)
	require.NoError(t, err)
	h.clock.Advance(40 * time.Minute)

	var cleaned []string
	n := h.machine.SweepIdle(ctx, time.Hour, func(id string) { cleaned = append(cleaned, id) })
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{idle.SessionID}, cleaned)
	assert.Equal(t, 1, h.store.Len())
	_, err = h.store.Get(active.SessionID)
	assert.NoError(t, err)

	kinds := h.journal.kinds(idle.SessionID)
	assert.Equal(t, domain.EventSessionExpired, kinds[len(kinds)-1])
}

func TestTTLWorkerStopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.coach.then(step("Sort laundry", false))

	_, err := h.machine.Start(context.Background(), "idle", "")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := StartTTLWorker(ctx, h.machine, time.Hour, 5*time.Millisecond, nil)

	require.Eventually(t, func() bool { return h.store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
