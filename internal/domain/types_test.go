package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageUpper(t *testing.T) {
	assert.Equal(t, "INGRESS", StageIngress.Upper())
	assert.Equal(t, "PREPROCESS", StagePreprocess.Upper())
	assert.Equal(t, "SETUP_REVIEW", StageSetupReview.Upper())
}

func TestParseStatusAcceptsKnownValues(t *testing.T) {
	s, ok := ParseStatus("ANALYSIS_ACTIVE")
	assert.True(t, ok)
	assert.Equal(t, StatusAnalysisActive, s)
}

func TestParseStatusRejectsUnknownAndInternalValues(t *testing.T) {
	for _, raw := range []string{"NOT_A_STATUS", "", "STOPPED", "RUNNING"} {
		_, ok := ParseStatus(raw)
		assert.False(t, ok, "expected %q to be rejected as a bus-facing status", raw)
	}
}

func TestParseEventTypeAcceptsKnownValues(t *testing.T) {
	e, ok := ParseEventType("permit.status.updated")
	assert.True(t, ok)
	assert.Equal(t, EventPermitStatusUpdated, e)
}

func TestParseEventTypeRejectsUnknown(t *testing.T) {
	_, ok := ParseEventType("permit.something.else")
	assert.False(t, ok)
}

func TestNaturalProfilePerStage(t *testing.T) {
	cases := map[Stage]NetworkPolicyProfile{
		StageIngress:     ProfileIngress,
		StagePreprocess:  ProfilePreprocess,
		StageReview:      ProfileReview,
		StageSetup:       ProfileSetup,
		StageSetupReview: ProfileSetupReview,
		StageAnalysis:    ProfileAnalysis,
	}
	for stage, want := range cases {
		assert.Equal(t, want, NaturalProfile(stage), "stage %s", stage)
	}
}

func TestStagesOrderIsPipelineOrder(t *testing.T) {
	want := []Stage{StageIngress, StagePreprocess, StageReview, StageSetup, StageSetupReview, StageAnalysis}
	assert.Equal(t, want, Stages)
}
