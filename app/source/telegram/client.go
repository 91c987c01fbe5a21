// Package telegram implements the messaging source on top of the MTProto
// client from github.com/gotd/td.
package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"github.com/lysyi3m/tg-comb/app/source"
)

var _ source.Client = (*Client)(nil)

// CodePrompt asks the operator for the login code Telegram sent.
type CodePrompt func(ctx context.Context) (string, error)

type Client struct {
	prompt CodePrompt
}

// NewClient returns a Client that reads login codes from stdin when the
// stored session is not authorized yet.
func NewClient() *Client {
	return &Client{prompt: stdinPrompt}
}

// Connect starts an MTProto client, authorizes it if necessary and returns
// once the session can serve requests. The session outlives ctx; it ends on
// Disconnect or when the connection fails for good.
func (c *Client) Connect(ctx context.Context, creds source.Credentials, proxy *source.ProxyConfig) (source.Session, error) {
	if creds.AppID == 0 || creds.AppHash == "" {
		return nil, fmt.Errorf("telegram app id and hash are required")
	}

	dial, err := dialFunc(proxy)
	if err != nil {
		return nil, err
	}

	s := newSession()
	gaps := newUpdateManager(s)

	opts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: creds.SessionPath},
		UpdateHandler:  gaps,
	}
	if dial != nil {
		opts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dial})
	}

	client := telegram.NewClient(creds.AppID, creds.AppHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ready := make(chan error, 2)
	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			if err := c.authorize(ctx, client, creds); err != nil {
				return err
			}

			self, err := client.Self(ctx)
			if err != nil {
				return fmt.Errorf("failed to get current user: %w", err)
			}

			api := client.API()
			// Run loads the update state and blocks until ctx is done.
			return gaps.Run(ctx, api, self.ID, updates.AuthOptions{
				OnStart: func(ctx context.Context) {
					s.ready(api, downloader.NewDownloader())
					ready <- nil
				},
			})
		})
		s.finish(err)
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start telegram client: %w", mapError(err))
		}
	case <-ctx.Done():
		cancel()
		<-s.Done()
		return nil, ctx.Err()
	}

	slog.Debug("Telegram session connected", "proxy", proxy != nil)
	return s, nil
}

// newUpdateManager routes new channel messages to the session's
// subscription. The manager applies updates in pts order per channel and
// fetches the difference when it sees a gap, so events reach the
// subscription in the order the channel published them.
func newUpdateManager(s *Session) *updates.Manager {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if msg, ok := u.Message.(*tg.Message); ok {
			s.deliver(ctx, msg)
		}
		return nil
	})

	return updates.New(updates.Config{
		Handler: dispatcher,
		OnChannelTooLong: func(channelID int64) {
			slog.Warn("Channel update gap too long, some messages were skipped", "channel_id", channelID)
		},
	})
}

func (c *Client) authorize(ctx context.Context, client *telegram.Client, creds source.Credentials) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}

	if creds.Phone == "" {
		return errors.New("session is not authorized and no phone number is configured")
	}

	slog.Info("Telegram session not authorized, starting login", "phone", maskPhone(creds.Phone))

	codeAuth := auth.CodeAuthenticatorFunc(func(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
		return c.prompt(ctx)
	})
	flow := auth.NewFlow(auth.Constant(creds.Phone, creds.Password, codeAuth), auth.SendCodeOptions{})

	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("failed to authorize: %w", err)
	}

	slog.Info("Telegram login completed")
	return nil
}

func stdinPrompt(ctx context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Enter the code Telegram sent you: ")

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		done <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil && r.code == "" {
			return "", fmt.Errorf("failed to read login code: %w", r.err)
		}
		return r.code, nil
	}
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
