package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/subreg/common"
	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNatsClientConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	// Case 0: invalid parameters
	{
		_, err := GetNatsClient(NATSConnectParams{})
		assert.NotNil(err)
	}

	// Case 1: convert from config
	params := ConvertConfig(common.NATSConfig{
		ServerURI:      server.ClientURL(),
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 2},
	})
	assert.Equal(time.Second*5, params.ConnectTimeout)
	assert.Equal(time.Second*2, params.ReconnectWait)
	assert.Equal(-1, params.MaxReconnectAttempt)

	// Case 2: connect, publish and receive
	closed := make(chan bool, 1)
	params.OnCloseCallback = func(_ *nats.Conn) { closed <- true }
	uut, err := GetNatsClient(params)
	assert.Nil(err)
	{
		sub, err := uut.Conn().SubscribeSync("unit-test")
		assert.Nil(err)
		assert.Nil(uut.Conn().Publish("unit-test", []byte("hello")))
		msg, err := sub.NextMsg(time.Second)
		assert.Nil(err)
		assert.Equal([]byte("hello"), msg.Data)
	}

	// Case 3: close
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	uut.Close(ctxt)
	select {
	case <-closed:
	case <-time.After(time.Second):
		assert.Fail("close callback not called")
	}
}
