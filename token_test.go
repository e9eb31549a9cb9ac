package mqttc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens(t *testing.T) {
	t.Run("completes once", func(t *testing.T) {
		tok := newPublishToken()
		assert.NoError(t, tok.Err())

		tok.succeed(PublishResult{PacketID: 7, ReasonCode: ReasonSuccess})
		tok.fail(errors.New("late"))

		<-tok.Done()
		assert.NoError(t, tok.Err())
		assert.Equal(t, uint16(7), tok.Result().PacketID)
	})

	t.Run("wait honours context", func(t *testing.T) {
		tok := newSubscribeToken()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, tok.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("subscribe token keeps suback on failure", func(t *testing.T) {
		tok := newSubscribeToken()
		suback := &SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonUnspecifiedError}}
		tok.finish(suback, &SubscribeError{ReasonCodes: suback.ReasonCodes})

		err := tok.Wait(context.Background())
		assert.ErrorIs(t, err, ErrSubscribeFailed)
		assert.Equal(t, suback.ReasonCodes, tok.ReasonCodes())
	})

	t.Run("connect token", func(t *testing.T) {
		tok := newConnectToken()
		go tok.succeed(&ConnackPacket{SessionPresent: true})

		require.NoError(t, tok.Wait(context.Background()))
		assert.True(t, tok.SessionPresent())
	})

	t.Run("unsubscribe and disconnect tokens", func(t *testing.T) {
		u := newUnsubscribeToken()
		u.finish(&UnsubackPacket{PacketID: 3}, nil)
		assert.Equal(t, uint16(3), u.Unsuback().PacketID)

		d := newDisconnectToken()
		d.finish(ErrNotConnected)
		assert.ErrorIs(t, d.Wait(context.Background()), ErrNotConnected)
	})
}
