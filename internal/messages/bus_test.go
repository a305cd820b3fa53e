package messages

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/orchestrator-core/internal/clock"
	"github.com/nickmisasi/orchestrator-core/internal/domain"
	"github.com/nickmisasi/orchestrator-core/internal/orcherr"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, ex sqlx.ExecerContext, channel string, payload any) error {
	f.published = append(f.published, channel)
	return nil
}

func newTestBus(t *testing.T) (*Bus, sqlmock.Sqlmock, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pub := &fakePublisher{}
	bus := New(&store.DB{DB: sqlxDB}, pub, fixed)
	return bus, mock, pub
}

func TestBusSendPublishesNewMessage(t *testing.T) {
	bus, mock, pub := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "sender_id", "sender_type", "recipient_id", "recipient_type",
			"task_id", "content", "delivered_at", "seen_at", "processed_at",
		}).AddRow(1, "team-1", "agent-1", domain.ActorAgent, "agent-2", domain.ActorAgent,
			nil, "hello", time.Now(), nil, nil))
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	msg, err := bus.Send(context.Background(), SendInput{
		TeamID:        "team-1",
		SenderID:      "agent-1",
		SenderType:    domain.ActorAgent,
		RecipientID:   "agent-2",
		RecipientType: domain.ActorAgent,
		Content:       "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, []string{"new_message"}, pub.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBusSendRejectsEmptyContent(t *testing.T) {
	bus, _, _ := newTestBus(t)
	_, err := bus.Send(context.Background(), SendInput{RecipientID: "agent-2", Content: ""})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.Validation))
}

func TestBusMarkProcessedNotFound(t *testing.T) {
	bus, mock, _ := newTestBus(t)

	mock.ExpectExec("UPDATE messages SET processed_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := bus.MarkProcessed(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.NotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
