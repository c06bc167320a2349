package model

import "testing"

func TestTransitionPart(t *testing.T) {
	part := &Part{ID: 3, Status: PartPlanned}
	for _, status := range []string{PartDownloading, PartDownloaded, PartRemuxed} {
		if err := TransitionPart(part, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if err := TransitionPart(part, PartDownloading); err == nil {
		t.Fatal("remuxed part must not go back to downloading")
	}
}

func TestTransitionPartPlannedStraightToDownloaded(t *testing.T) {
	part := &Part{Status: PartPlanned}
	if err := TransitionPart(part, PartDownloaded); err != nil {
		t.Fatalf("fully reused part: %v", err)
	}
}

func TestCanTransitionTask(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{TaskPending, TaskInFlight, true},
		{TaskPending, TaskSucceeded, true},
		{TaskInFlight, TaskFailedRetry, true},
		{TaskFailedRetry, TaskInFlight, true},
		{TaskFailedFatal, TaskInFlight, false},
		{TaskSucceeded, TaskInFlight, false},
		{TaskPending, TaskFailedFatal, false},
	}
	for _, c := range cases {
		if got := CanTransitionTask(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionTask(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransitionJob(t *testing.T) {
	job := &Job{ID: "j1", Status: JobPending}
	if err := TransitionJob(job, JobRunning); err != nil {
		t.Fatal(err)
	}
	if err := TransitionJob(job, JobFailed); err != nil {
		t.Fatal(err)
	}
	if err := TransitionJob(job, JobRunning); err == nil {
		t.Fatal("failed job must stay failed")
	}
}
