package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "arpgbot/pkg/logx"
)

type fakeSender struct {
	chats   []int64
	texts   []string
	threads []int
	err     error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.chats = append(f.chats, to.(*tele.Chat).ID)
	f.texts = append(f.texts, what.(string))
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.threads = append(f.threads, so.ThreadID)
		}
	}
	return &tele.Message{ID: len(f.texts)}, nil
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	chunks := splitText(strings.Repeat("x", 25), 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, 25, len(strings.Join(chunks, "")))
}

func TestSendLogGoesToOperatorChat(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	o := &Operator{cfg: Config{ChatID: 42, ThreadID: 7}, log: logx.Nop(), send: fs}

	require.NoError(t, o.SendLog(context.Background(), "WRN upstream retry"))
	assert.Equal(t, []int64{42}, fs.chats)
	assert.Equal(t, []string{"WRN upstream retry"}, fs.texts)
	assert.Equal(t, []int{7}, fs.threads)

	fs.err = errors.New("blocked")
	require.Error(t, o.SendLog(context.Background(), "x"))
}

func TestSendTextHonoursContext(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	o := &Operator{cfg: Config{ChatID: 1}, log: logx.Nop(), send: fs}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, o.SendText(ctx, "x"), context.Canceled)
	assert.Empty(t, fs.texts)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Token: "t"}, logx.Nop())
	require.Error(t, err)
}
