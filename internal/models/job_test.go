package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidQueue(t *testing.T) {
	for _, q := range Queues() {
		assert.True(t, ValidQueue(q), q)
	}
	assert.False(t, ValidQueue(""))
	assert.False(t, ValidQueue("foreground-fetch"))
}

func TestLockTypeForJob(t *testing.T) {
	assert.Equal(t, LockTypeFetch, LockTypeForJob("price_update"))
	assert.Equal(t, LockTypeAnalyze, LockTypeForJob("run_analysis"))
	assert.Equal(t, LockTypeAnalyze, LockTypeForJob("analyze_symbol"))
	assert.Equal(t, LockTypePortfolio, LockTypeForJob("portfolio_analysis"))
	assert.Equal(t, LockTypeFetch, LockTypeForJob("anything_else"))
}

func TestLockKeyFor(t *testing.T) {
	assert.Equal(t, "AAPL:fetch", LockKeyFor("AAPL", "price_update"))
	assert.Equal(t, "MSFT:analyze", LockKeyFor("MSFT", "run_analysis"))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusCompleted))
	assert.True(t, Terminal(StatusFailed))
	assert.False(t, Terminal(StatusPending))
	assert.False(t, Terminal(StatusProcessing))
	assert.False(t, Terminal(StatusRetrying))
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsFatal(Fatal(base)))
	assert.False(t, IsFatal(Transient(base)))
	assert.False(t, IsFatal(base), "unclassified errors retry")

	assert.ErrorIs(t, Transient(base), base)
	assert.ErrorIs(t, Fatal(base), base)
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))
}
