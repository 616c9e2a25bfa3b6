// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// capchan-ping exercises the bootstrap protocol and capability
// passing across real processes. The parent creates a one-shot
// server and re-executes itself as a child with the bootstrap name;
// the child connects, creates a ping channel, and sends its sender
// back through the bootstrap message. Each ping then carries a fresh
// reply sender, so every message in both directions travels a
// capability that the other process never created.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/capchan/channel"
	"github.com/bureau-foundation/capchan/transport"
)

// hello is the bootstrap message: the child introduces itself and
// hands the parent a sender for ping traffic.
type hello struct {
	Name string                       `cbor:"name"`
	Ping *channel.Sender[pingRequest] `cbor:"ping"`
}

type pingRequest struct {
	Sequence int                        `cbor:"sequence"`
	Body     string                     `cbor:"body"`
	Reply    *channel.Sender[pingReply] `cbor:"reply"`
}

type pingReply struct {
	Sequence int    `cbor:"sequence"`
	Echo     string `cbor:"echo"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		connectName string
		count       int
		logLevel    string
	)
	pflag.StringVar(&connectName, "connect", "", "bootstrap name to connect to (child mode)")
	pflag.IntVar(&count, "count", 3, "number of pings to send")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tp, err := transport.NewUnix()
	if err != nil {
		return err
	}
	defer tp.Cleanup()

	if connectName != "" {
		return runChild(logger, tp, connectName)
	}
	return runParent(logger, tp, count)
}

func runParent(logger *slog.Logger, tp *transport.Unix, count int) error {
	server, name, err := channel.NewOneShotServer[hello](tp)
	if err != nil {
		return err
	}
	logger.Info("bootstrap server listening", "name", name)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}
	child := exec.Command(self, "--connect", name)
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting child: %w", err)
	}

	bootstrap, first, err := server.Accept()
	if err != nil {
		return err
	}
	defer bootstrap.Close()
	logger.Info("child connected", "child", first.Name)

	for sequence := 0; sequence < count; sequence++ {
		replySender, replyReceiver, err := channel.New[pingReply](tp)
		if err != nil {
			return err
		}

		body := fmt.Sprintf("ping %d", sequence)
		err = first.Ping.Send(pingRequest{Sequence: sequence, Body: body, Reply: replySender})
		// The in-flight message carries its own duplicate of the
		// reply sender; the local copy is no longer needed.
		replySender.Close()
		if err != nil {
			replyReceiver.Close()
			return err
		}

		reply, err := replyReceiver.Recv()
		replyReceiver.Close()
		if err != nil {
			return err
		}
		logger.Info("reply", "sequence", reply.Sequence, "echo", reply.Echo)
	}

	first.Ping.Close()
	if err := child.Wait(); err != nil {
		return fmt.Errorf("child exited: %w", err)
	}
	return nil
}

func runChild(logger *slog.Logger, tp *transport.Unix, name string) error {
	bootstrap, err := channel.Connect[hello](tp, name)
	if err != nil {
		return err
	}
	defer bootstrap.Close()

	pingSender, pingReceiver, err := channel.New[pingRequest](tp)
	if err != nil {
		return err
	}
	defer pingReceiver.Close()

	err = bootstrap.Send(hello{Name: fmt.Sprintf("child-%d", os.Getpid()), Ping: pingSender})
	pingSender.Close()
	if err != nil {
		return err
	}
	logger.Info("bootstrap sent", "name", name)

	for {
		request, err := pingReceiver.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrDisconnected) {
				logger.Info("parent closed the ping channel, exiting")
				return nil
			}
			return err
		}
		logger.Debug("ping", "sequence", request.Sequence, "body", request.Body)

		err = request.Reply.Send(pingReply{Sequence: request.Sequence, Echo: request.Body})
		request.Reply.Close()
		if err != nil {
			return err
		}
	}
}
