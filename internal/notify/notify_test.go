package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []published
	err     error
	drained bool
}

var _ Conn = (*fakeConn)(nil)

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

var at = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

func Test_Publisher_PublishCycle_Cases(t *testing.T) {
	conds := []health.Condition{{Name: "service_down", Subject: "ssh"}}
	acts := []health.Action{{Name: "restart_service", Outcome: health.OutcomeSuccess}}

	tests := []struct {
		name         string
		conditions   []health.Condition
		actions      []health.Action
		wantSubjects []string
	}{
		{name: "both", conditions: conds, actions: acts, wantSubjects: []string{"raspi.doctor.conditions", "raspi.doctor.actions"}},
		{name: "conditions only", conditions: conds, wantSubjects: []string{"raspi.doctor.conditions"}},
		{name: "quiet cycle", wantSubjects: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{}
			p := NewPublisher(conn, "raspi.doctor", "pi", zerolog.Nop())
			require.NoError(t, p.PublishCycle("c1", at, tt.conditions, tt.actions))

			var subjects []string
			for _, m := range conn.msgs {
				subjects = append(subjects, m.subject)
			}
			assert.Equal(t, tt.wantSubjects, subjects)
		})
	}
}

func Test_Publisher_PublishCycle_Payload(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "raspi.doctor", "pi", zerolog.Nop())
	require.NoError(t, p.PublishCycle("c9", at, []health.Condition{{Name: "suspicious_ip", Subject: "203.0.113.5", Value: 25, Limit: 20}}, nil))

	require.Len(t, conn.msgs, 1)
	var msg ConditionsMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &msg))
	assert.Equal(t, "c9", msg.CycleID)
	assert.Equal(t, "pi", msg.Hostname)
	require.Len(t, msg.Conditions, 1)
	assert.Equal(t, "suspicious_ip(203.0.113.5)", msg.Conditions[0].ID())
}

func Test_Publisher_PublishCycle_Error(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewPublisher(conn, "raspi.doctor", "", zerolog.Nop())
	err := p.PublishCycle("c1", at, []health.Condition{{Name: "x"}}, nil)
	assert.ErrorContains(t, err, "raspi.doctor.conditions")
}

func Test_Publisher_Disabled(t *testing.T) {
	p, err := Connect(config.NotifyConfig{SubjectPrefix: "raspi.doctor"}, "pi", zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.PublishCycle("c1", at, []health.Condition{{Name: "x"}}, nil))
	assert.NoError(t, p.Close())

	var nilPub *Publisher
	assert.False(t, nilPub.Enabled())
	assert.NoError(t, nilPub.PublishCycle("c1", at, nil, nil))
}

func Test_Publisher_Subject(t *testing.T) {
	assert.Equal(t, "actions", NewPublisher(&fakeConn{}, "", "", zerolog.Nop()).Subject(SubjectActions))

	conn := &fakeConn{}
	p := NewPublisher(conn, "a.b", "", zerolog.Nop())
	assert.Equal(t, "a.b.conditions", p.Subject(SubjectConditions))
	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}
