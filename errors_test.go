package edgeplane

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{ValidationError("x", "bad"), http.StatusBadRequest},
		{AuthError("x", "who"), http.StatusUnauthorized},
		{ForbiddenError("x", "no"), http.StatusForbidden},
		{NotFoundError("x", "gone"), http.StatusNotFound},
		{ConflictError("x", "race"), http.StatusConflict},
		{NoCandidatePassedGates(nil), http.StatusConflict},
		{UnavailableError("x", errors.New("down")), http.StatusServiceUnavailable},
		{InternalError(errors.New("disk")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	wrapped := fmt.Errorf("claim: %w", ConflictError("claim_lost", "lost"))
	e := AsError(wrapped)
	assert.Equal(t, KindConflict, e.Kind)
	assert.Equal(t, "claim_lost", e.Code)
	assert.True(t, IsCode(wrapped, "claim_lost"))

	e = AsError(fmt.Errorf("fetch: %w", ErrCircuitOpen))
	assert.Equal(t, KindUnavailable, e.Kind)
	assert.Equal(t, "origin_unavailable", e.Code)
	assert.ErrorIs(t, e, ErrCircuitOpen)

	e = AsError(errors.New("boom"))
	assert.Equal(t, "internal", e.Code)
}

func TestWithDetailsCopies(t *testing.T) {
	base := ConflictError("site_locked", "locked")
	withDetails := base.WithDetails(map[string]any{"held_by": "a"})
	assert.Nil(t, base.Details)
	assert.Equal(t, map[string]any{"held_by": "a"}, withDetails.Details)
}

func TestNoCandidatePassedGatesCarriesEvaluations(t *testing.T) {
	err := NoCandidatePassedGates(nil)
	details, ok := err.Details.(map[string]any)
	if assert.True(t, ok) {
		assert.Equal(t, []CandidateEvaluation{}, details["evaluated"])
	}
	assert.Equal(t, "no_candidate_passed_gates", KindNoCandidate.String())
}
