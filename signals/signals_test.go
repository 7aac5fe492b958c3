package signals

import (
	"context"
	"strings"
	"testing"
	"time"

	"dripline/enrollments"
	"dripline/journey"
	"dripline/models"
	"dripline/sequences"
	"dripline/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	log      *journey.Log
	tracker  *enrollments.Tracker
	listener *Listener
	lead     models.Lead
	seqA     *models.SequenceDefinition
	seqB     *models.SequenceDefinition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(t0)
	log := journey.NewLog(db)
	tracker := enrollments.NewTracker(db, log)
	tracker.Now = clock.Now
	listener := NewListener(db, tracker, log)
	listener.Now = clock.Now

	return &fixture{
		db:       db,
		log:      log,
		tracker:  tracker,
		listener: listener,
		lead:     testutil.CreateLead(t, db, "ada@example.com"),
		seqA:     activeSequence(t, db, "first"),
		seqB:     activeSequence(t, db, "second"),
	}
}

func activeSequence(t *testing.T, db *gorm.DB, name string) *models.SequenceDefinition {
	t.Helper()
	ctx := context.Background()
	store := sequences.NewStore(db, nil)
	seq, err := store.Create(ctx, name, "", nil)
	require.NoError(t, err)
	_, err = store.AddStep(ctx, seq.ID, models.StepDefinition{Channel: models.ChannelEmail, Subject: "hi", Body: "one"})
	require.NoError(t, err)
	_, err = store.AddStep(ctx, seq.ID, models.StepDefinition{Channel: models.ChannelSMS, Delay: time.Hour, Body: "two"})
	require.NoError(t, err)
	seq, err = store.Activate(ctx, seq.ID)
	require.NoError(t, err)
	return seq
}

func (f *fixture) enroll(t *testing.T, seq *models.SequenceDefinition) *models.Enrollment {
	t.Helper()
	e, err := f.tracker.Enroll(context.Background(), f.lead.ID, seq.ID)
	require.NoError(t, err)
	return e
}

func (f *fixture) sent(t *testing.T, e *models.Enrollment, ref string) {
	t.Helper()
	require.NoError(t, f.tracker.RecordAttempt(context.Background(), &models.DeliveryAttempt{
		EnrollmentID: e.ID,
		LeadID:       e.LeadID,
		SequenceID:   e.SequenceID,
		Channel:      models.ChannelEmail,
		AttemptedAt:  t0,
		Outcome:      models.OutcomeSent,
		ProviderRef:  ref,
	}))
}

func (f *fixture) status(t *testing.T, id uint) models.EnrollmentStatus {
	t.Helper()
	e, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

func (f *fixture) reload(t *testing.T) models.Lead {
	t.Helper()
	var lead models.Lead
	require.NoError(t, f.db.First(&lead, f.lead.ID).Error)
	return lead
}

func (f *fixture) events(t *testing.T, kind models.EventKind) []models.JourneyEvent {
	t.Helper()
	page, err := f.log.List(context.Background(), journey.Filter{Kinds: []models.EventKind{kind}}, "", 100)
	require.NoError(t, err)
	return page.Events
}

func TestOnReply_HaltsEveryLiveEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	b := f.enroll(t, f.seqB)
	_, err := f.tracker.Pause(ctx, b.ID)
	require.NoError(t, err)

	halted, err := f.listener.OnReply(ctx, Target{LeadID: f.lead.ID}, models.ChannelSMS, "sounds good")
	require.NoError(t, err)
	assert.Len(t, halted, 2)

	assert.Equal(t, models.EnrollmentHaltedByReply, f.status(t, a.ID))
	assert.Equal(t, models.EnrollmentHaltedByReply, f.status(t, b.ID))
	assert.NotNil(t, f.reload(t).LastContact)

	replies := f.events(t, models.EventReplied)
	require.Len(t, replies, 1)
	assert.Equal(t, models.ChannelSMS, replies[0].Channel)
	assert.Equal(t, "sounds good", replies[0].Detail)
}

func TestOnReply_TerminalEnrollmentsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	_, err := f.tracker.Cancel(ctx, a.ID, "")
	require.NoError(t, err)

	halted, err := f.listener.OnReply(ctx, Target{LeadID: f.lead.ID}, models.ChannelEmail, "")
	require.NoError(t, err)
	assert.Empty(t, halted)
	assert.Equal(t, models.EnrollmentCanceled, f.status(t, a.ID))
}

func TestOnReply_ByProviderRef(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(t, f.seqA)
	f.sent(t, a, "msg-1@dripline")

	_, err := f.listener.OnReply(context.Background(), Target{ProviderRef: "msg-1@dripline"}, models.ChannelEmail, "")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentHaltedByReply, f.status(t, a.ID))

	replies := f.events(t, models.EventReplied)
	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].EnrollmentID)
	assert.Equal(t, a.ID, *replies[0].EnrollmentID)
}

func TestOnReply_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.listener.OnReply(ctx, Target{ProviderRef: "nope"}, models.ChannelEmail, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.listener.OnReply(ctx, Target{LeadID: 999}, models.ChannelEmail, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.listener.OnReply(ctx, Target{}, models.ChannelEmail, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOnReplyFrom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)

	halted, err := f.listener.OnReplyFrom(ctx, "stranger@example.com", "", "")
	require.NoError(t, err)
	assert.Empty(t, halted)
	assert.Equal(t, models.EnrollmentPending, f.status(t, a.ID))

	halted, err = f.listener.OnReplyFrom(ctx, " ADA@Example.com ", "", "Re: hi")
	require.NoError(t, err)
	assert.Len(t, halted, 1)
	assert.Equal(t, models.EnrollmentHaltedByReply, f.status(t, a.ID))
}

func TestOnBounce_ByRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	b := f.enroll(t, f.seqB)
	f.sent(t, a, "msg-2@dripline")

	require.NoError(t, f.listener.OnBounce(ctx, Target{ProviderRef: "msg-2@dripline"}, "", "550 mailbox unavailable"))

	assert.Equal(t, models.EnrollmentHaltedByFailure, f.status(t, a.ID))
	assert.Equal(t, models.EnrollmentPending, f.status(t, b.ID), "only the bounced send's enrollment halts")
	assert.True(t, f.reload(t).IsBounced)

	attempts, err := f.tracker.Attempts(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OutcomeBounced, attempts[1].Outcome)
	assert.Equal(t, "550 mailbox unavailable", attempts[1].Error)

	// A second notification for the same send is harmless.
	require.NoError(t, f.listener.OnBounce(ctx, Target{ProviderRef: "msg-2@dripline"}, "", ""))
}

func TestOnBounce_ByLead(t *testing.T) {
	f := newFixture(t)
	a := f.enroll(t, f.seqA)
	b := f.enroll(t, f.seqB)

	require.NoError(t, f.listener.OnBounce(context.Background(), Target{LeadID: f.lead.ID}, models.ChannelEmail, ""))

	assert.Equal(t, models.EnrollmentHaltedByFailure, f.status(t, a.ID))
	assert.Equal(t, models.EnrollmentHaltedByFailure, f.status(t, b.ID))
	assert.True(t, f.reload(t).IsBounced)
	assert.Len(t, f.events(t, models.EventBounced), 1)
}

func TestOnDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	f.sent(t, a, "msg-3@dripline")

	require.NoError(t, f.listener.OnDelivered(ctx, "msg-3@dripline"))
	assert.Equal(t, models.EnrollmentPending, f.status(t, a.ID))
	assert.Len(t, f.events(t, models.EventDelivered), 1)

	assert.ErrorIs(t, f.listener.OnDelivered(ctx, "unknown"), models.ErrNotFound)
}

func TestOnUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	b := f.enroll(t, f.seqB)

	canceled, err := f.listener.OnUnsubscribe(ctx, Target{LeadID: f.lead.ID}, models.ChannelEmail)
	require.NoError(t, err)
	assert.Len(t, canceled, 2)
	assert.Equal(t, models.EnrollmentCanceled, f.status(t, a.ID))
	assert.Equal(t, models.EnrollmentCanceled, f.status(t, b.ID))
	assert.True(t, f.reload(t).IsUnsubscribed)
	assert.Len(t, f.events(t, models.EventUnsubscribed), 1)

	_, err = f.tracker.Enroll(ctx, f.lead.ID, f.seqA.ID)
	assert.ErrorIs(t, err, models.ErrLeadNotContactable)
}

func TestOnEngagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enroll(t, f.seqA)
	f.sent(t, a, "msg-4@dripline")

	require.NoError(t, f.listener.OnEngagement(ctx, Target{ProviderRef: "msg-4@dripline"}, models.EventClicked, "", "https://example.com"))
	require.NoError(t, f.listener.OnEngagement(ctx, Target{LeadID: f.lead.ID}, models.EventMeetingScheduled, models.ChannelVoice, ""))

	clicks := f.events(t, models.EventClicked)
	require.Len(t, clicks, 1)
	assert.Equal(t, models.ChannelEmail, clicks[0].Channel)
	require.NotNil(t, clicks[0].EnrollmentID)
	assert.Equal(t, a.ID, *clicks[0].EnrollmentID)
	assert.Len(t, f.events(t, models.EventMeetingScheduled), 1)

	assert.Equal(t, models.EnrollmentPending, f.status(t, a.ID), "engagement never changes state")

	err := f.listener.OnEngagement(ctx, Target{LeadID: f.lead.ID}, models.EventReplied, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

const replyMail = "From: Ada Lovelace <Ada@Example.com>\r\n" +
	"To: sdr@dripline.test\r\n" +
	"Subject: Re: hi\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <msg-5@dripline>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Happy to chat next week.\r\n"

const bounceMail = "From: Mail Delivery System <MAILER-DAEMON@mx.example.com>\r\n" +
	"To: sdr@dripline.test\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Message-ID: <dsn-1@mx.example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"The mail could not be delivered.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; mx.example.com\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; ada@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/rfc822\r\n" +
	"\r\n" +
	"From: sdr@dripline.test\r\n" +
	"To: ada@example.com\r\n" +
	"Subject: hi\r\n" +
	"Message-ID: <msg-6@dripline>\r\n" +
	"\r\n" +
	"one\r\n" +
	"--BOUNDARY--\r\n"

func TestParseInbound_Reply(t *testing.T) {
	m, err := ParseInbound(strings.NewReader(replyMail))
	require.NoError(t, err)
	assert.False(t, m.Bounce)
	assert.Equal(t, "ada@example.com", m.From)
	assert.Equal(t, "Re: hi", m.Subject)
	assert.Equal(t, "reply-1@example.com", m.MessageID)
	assert.Equal(t, "msg-5@dripline", m.InReplyTo)
	assert.Equal(t, "Happy to chat next week.", m.Text)
}

func TestParseInbound_DeliveryStatus(t *testing.T) {
	m, err := ParseInbound(strings.NewReader(bounceMail))
	require.NoError(t, err)
	assert.True(t, m.Bounce)
	assert.Equal(t, "msg-6@dripline", m.OriginalRef)
	assert.Equal(t, "ada@example.com", m.Recipient)
	assert.Equal(t, "The mail could not be delivered.", m.Text)
}

func TestParseInbound_ReportPartsAsAttachments(t *testing.T) {
	raw := strings.Replace(bounceMail, "Content-Type: message/delivery-status\r\n",
		"Content-Type: message/delivery-status\r\nContent-Disposition: attachment; filename=\"status.txt\"\r\n", 1)
	raw = strings.Replace(raw, "Content-Type: message/rfc822\r\n",
		"Content-Type: text/rfc822-headers\r\nContent-Disposition: attachment\r\n", 1)

	m, err := ParseInbound(strings.NewReader(raw))
	require.NoError(t, err)
	assert.True(t, m.Bounce)
	assert.Equal(t, "msg-6@dripline", m.OriginalRef)
	assert.Equal(t, "ada@example.com", m.Recipient)
}

func TestHandleInbound(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		f := newFixture(t)
		a := f.enroll(t, f.seqA)
		f.sent(t, a, "msg-5@dripline")

		m, err := ParseInbound(strings.NewReader(replyMail))
		require.NoError(t, err)
		require.NoError(t, f.listener.HandleInbound(context.Background(), m))
		assert.Equal(t, models.EnrollmentHaltedByReply, f.status(t, a.ID))
	})

	t.Run("bounce", func(t *testing.T) {
		f := newFixture(t)
		a := f.enroll(t, f.seqA)
		f.sent(t, a, "msg-6@dripline")

		m, err := ParseInbound(strings.NewReader(bounceMail))
		require.NoError(t, err)
		require.NoError(t, f.listener.HandleInbound(context.Background(), m))
		assert.Equal(t, models.EnrollmentHaltedByFailure, f.status(t, a.ID))
		assert.True(t, f.reload(t).IsBounced)
	})

	t.Run("bounce for an unknown send falls back to the recipient", func(t *testing.T) {
		f := newFixture(t)
		a := f.enroll(t, f.seqA)

		m, err := ParseInbound(strings.NewReader(bounceMail))
		require.NoError(t, err)
		require.NoError(t, f.listener.HandleInbound(context.Background(), m))
		assert.Equal(t, models.EnrollmentHaltedByFailure, f.status(t, a.ID))
	})
}
