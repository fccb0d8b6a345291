package main

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/session"
	"github.com/asterisque/asterisque/wire"
)

var (
	flagCallAddr    string
	flagCallMessage string
	flagCallTimeout time.Duration
	flagCallSvcID   string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "dial a server and call its echo function once",
	RunE:  runCall,
}

func init() {
	flags := callCmd.Flags()
	flags.StringVar(&flagCallAddr, "addr", "localhost:4800", "server TCP address")
	flags.StringVar(&flagCallMessage, "message", "hello, asterisque", "string to echo")
	flags.DurationVar(&flagCallTimeout, "timeout", 5*time.Second, "call timeout")
	flags.StringVar(&flagCallSvcID, "service-id", "echo", "service id this client declares; the server dispatches the call to its service registered under this id")
}

func runCall(cmd *cobra.Command, args []string) error {
	w, err := wire.DialTCP(flagCallAddr, nil, 64, 64)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	go w.Run()

	dispatcher := session.NewDispatcher(session.NewRegistry(), nil, flagCallSvcID, nil)
	sess, err := dispatcher.Handshake(w)
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	go sess.Run()

	p, err := sess.Call(0, echoFunctionID, message.String(flagCallMessage))
	if err != nil {
		return errors.Wrap(err, "call")
	}

	select {
	case <-p.ResultChan():
	case <-time.After(flagCallTimeout):
		return errors.New("call timed out")
	}

	res := p.Result()
	if !res.Code.Success() {
		return errors.Newf("call failed with close code %d", res.Code)
	}

	log.Info().Str("reply", res.Result.String()).Msg("[call] echo succeeded")
	w.Close(nil)
	return nil
}
