package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

type WhatsAppConfig struct {
	// DataDir holds the device session database and the pairing QR image.
	DataDir string
	Logger  zerolog.Logger
}

// WhatsAppSender delivers reminders from a linked WhatsApp device.
type WhatsAppSender struct {
	client  *whatsmeow.Client
	log     zerolog.Logger
	dataDir string
	loc     *time.Location
}

func NewWhatsAppSender(ctx context.Context, cfg WhatsAppConfig, loc *time.Location) (*WhatsAppSender, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(cfg.DataDir, "whatsmeow.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(cfg.Logger.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	s := &WhatsAppSender{
		client:  whatsmeow.NewClient(device, waLog.Zerolog(cfg.Logger.With().Str("module", "client").Logger())),
		log:     cfg.Logger,
		dataDir: cfg.DataDir,
		loc:     loc,
	}
	s.client.AddEventHandler(s.onEvent)
	return s, nil
}

// Connect opens the session. An unpaired device writes pair.png into DataDir and logs the
// code until the phone scans it or ctx ends.
func (s *WhatsAppSender) Connect(ctx context.Context) error {
	if s.client.Store.ID != nil {
		return s.client.Connect()
	}

	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			path := filepath.Join(s.dataDir, "pair.png")
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, path); err != nil {
				s.log.Warn().Err(err).Msg("write pairing qr failed")
			}
			if q, err := qrcode.New(evt.Code, qrcode.Medium); err == nil {
				s.log.Info().Str("qr_png", path).Msg("scan to link device\n" + q.ToSmallString(false))
			}
		case "success":
			s.log.Info().Msg("whatsapp device linked")
			return nil
		default:
			s.log.Info().Str("event", evt.Event).Msg("whatsapp pairing event")
		}
	}
	if s.client.Store.ID == nil {
		return errors.New("whatsapp pairing did not complete")
	}
	return nil
}

func (s *WhatsAppSender) Close() {
	s.client.Disconnect()
}

func (s *WhatsAppSender) ProviderID() string {
	return "whatsapp"
}

func (s *WhatsAppSender) SendReminder(ctx context.Context, n Notice) error {
	if !s.client.IsConnected() {
		return errors.New("whatsapp client not connected")
	}
	to, ok := chatJID(n.Appointment.ChatID)
	if !ok {
		var err error
		if to, err = s.lookup(ctx, n.Appointment); err != nil {
			return err
		}
	}

	sent, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(Text(n, s.loc)),
	})
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	s.log.Debug().Str("reminder_id", n.ReminderID).Str("message_id", sent.ID).Msg("reminder delivered")
	return nil
}

// lookup resolves the client's phone to a WhatsApp account.
func (s *WhatsAppSender) lookup(ctx context.Context, a model.Appointment) (types.JID, error) {
	phone := NormalizePhone(a.Client.Phone)
	if phone == "" {
		return types.JID{}, fmt.Errorf("appointment %s has no client phone", a.ID)
	}
	resp, err := s.client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return types.JID{}, fmt.Errorf("check whatsapp number: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return types.JID{}, fmt.Errorf("number %s is not on whatsapp", phone)
	}
	return resp[0].JID, nil
}

// chatJID turns the conversation id the booking came from into a JID. Ids in the
// "<user>@c.us" form used by web clients map to the regular user server.
func chatJID(chatID string) (types.JID, bool) {
	chatID = strings.TrimSpace(chatID)
	if !strings.Contains(chatID, "@") {
		return types.JID{}, false
	}
	jid, err := types.ParseJID(chatID)
	if err != nil || jid.User == "" {
		return types.JID{}, false
	}
	switch jid.Server {
	case types.LegacyUserServer:
		jid.Server = types.DefaultUserServer
	case types.DefaultUserServer, types.GroupServer, types.HiddenUserServer:
	default:
		return types.JID{}, false
	}
	return jid.ToNonAD(), true
}

func (s *WhatsAppSender) onEvent(evt interface{}) {
	switch evt.(type) {
	case *events.Connected:
		s.log.Info().Msg("connected to whatsapp")
	case *events.Disconnected:
		s.log.Warn().Msg("disconnected from whatsapp")
	case *events.LoggedOut:
		s.log.Error().Msg("logged out from whatsapp; pairing required")
	}
}
