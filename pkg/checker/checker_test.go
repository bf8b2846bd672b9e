package checker

import (
	"bytes"
	"testing"

	"github.com/pippolo84/practise/pkg/index/heapindex"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/migration"
	"github.com/pippolo84/practise/pkg/rootdomain"
	"github.com/pippolo84/practise/pkg/runqueue"
	"github.com/pippolo84/practise/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rqs      []*runqueue.RQ
	push     *heapindex.Index
	pull     *heapindex.Index
	domain   *rootdomain.Domain
	migrator *migration.Migrator
}

func newFixture(t *testing.T, nCPUs int, mode key.Mode) *fixture {
	rqs := make([]*runqueue.RQ, nCPUs)
	for i := range rqs {
		rqs[i] = runqueue.New(i, mode)
	}
	push, pull := heapindex.New(), heapindex.New()
	require.NoError(t, push.Init(nCPUs, key.LessFor(mode, key.OrientPush)))
	require.NoError(t, pull.Init(nCPUs, key.LessFor(mode, key.OrientPull)))
	var domain *rootdomain.Domain
	if mode == key.ModeRT {
		domain = rootdomain.New(nCPUs)
	}
	return &fixture{
		rqs:      rqs,
		push:     push,
		pull:     pull,
		domain:   domain,
		migrator: migration.New(rqs, mode, push, pull, domain, 3, 3),
	}
}

func (f *fixture) seed(cpu int, keys ...uint64) {
	f.rqs[cpu].Lock()
	for _, k := range keys {
		f.rqs[cpu].Add(task.New(k))
	}
	f.migrator.Publish(cpu)
	f.rqs[cpu].Unlock()
}

func TestRunPassesWhenWorldIsConsistent(t *testing.T) {
	f := newFixture(t, 2, key.ModeDeadline)
	f.seed(0, 10, 20)

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeDeadline, f.push, f.pull, f.domain, &buf, true)
	assert.NoError(t, c.Run())
	assert.Equal(t, uint64(1), c.Runs())
	assert.Equal(t, uint64(0), c.Errors())
	assert.Empty(t, buf.String())
}

func TestRunDetectsStaleIndexEntry(t *testing.T) {
	f := newFixture(t, 2, key.ModeDeadline)
	f.seed(0, 10)
	f.push.Preempt(0, 999) // deliberately wrong

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeDeadline, f.push, f.pull, f.domain, &buf, true)
	assert.Error(t, c.Run())
	assert.NotZero(t, c.Errors())
	assert.Contains(t, buf.String(), "invariant violation")
}

func TestRunDetectsPhantomIndexEntry(t *testing.T) {
	f := newFixture(t, 2, key.ModeDeadline)
	f.pull.Preempt(1, 42) // no runqueue backs this entry

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeDeadline, f.push, f.pull, f.domain, &buf, true)
	assert.Error(t, c.Run())
	assert.Contains(t, buf.String(), "pull-index")
}

func TestRunDoesNotReturnErrorWhenExitOnErrorsFalse(t *testing.T) {
	f := newFixture(t, 2, key.ModeDeadline)
	f.push.Preempt(0, 999)

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeDeadline, f.push, f.pull, f.domain, &buf, false)
	assert.NoError(t, c.Run())
	assert.NotZero(t, c.Errors())
}

func TestRunValidatesRootDomain(t *testing.T) {
	f := newFixture(t, 2, key.ModeRT)
	f.seed(0, 90, 50)
	f.seed(1, 30)

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeRT, f.push, f.pull, f.domain, &buf, true)
	assert.NoError(t, c.Run())

	// Knock the domain out of sync: claim cpu 1 is overloaded.
	f.domain.SetOverload(1)
	assert.Error(t, c.Run())
	assert.Contains(t, buf.String(), "root-domain")
}

func TestRunAfterMigrationStaysConsistent(t *testing.T) {
	f := newFixture(t, 3, key.ModeDeadline)
	f.seed(0, 10, 20)
	f.seed(1, 1000)

	require.True(t, f.migrator.Push(0))

	var buf bytes.Buffer
	c := New(f.rqs, key.ModeDeadline, f.push, f.pull, f.domain, &buf, true)
	assert.NoError(t, c.Run())
	assert.Equal(t, uint64(0), c.Errors())
}
