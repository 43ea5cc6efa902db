package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/chat"
	"github.com/hackgods/telecare/internal/config"
	"github.com/hackgods/telecare/internal/db"
	"github.com/hackgods/telecare/internal/logging"
)

var patientLines = []string{
	"Hi doctor, I have had a headache since yesterday.",
	"Should I keep taking the tablets after the rash is gone?",
	"I uploaded my blood report, could you take a look?",
	"The fever came back last night.",
	"Is it fine to reschedule to next week?",
	"Thank you, I feel much better now.",
}

var doctorLines = []string{
	"Thanks for reaching out. How long have the symptoms lasted?",
	"Please continue the course for five more days.",
	"Your report looks normal, nothing to worry about.",
	"Drink plenty of water and rest for a couple of days.",
	"Let's do a quick video call to check.",
	"Book a follow-up slot once you are back.",
}

var slotTimes = []string{"09:00 AM", "09:30 AM", "10:00 AM", "11:30 AM", "02:00 PM", "04:30 PM"}

func main() {
	doctors := flag.Int("doctors", 5, "number of doctors")
	patients := flag.Int("patients", 20, "number of patients")
	messages := flag.Int("messages", 12, "messages per conversation")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed dev tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "seed")
	if cfg.Storage != config.StoragePostgres {
		log.Fatal().Msg("seed writes to postgres, set STORAGE=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs := newIdentities(auth.RoleDoctor, *doctors)
	patientIDs := newIdentities(auth.RoleUser, *patients)

	chatSvc := chat.NewService(chat.NewPgRepository(pool), log)
	if err := seedConversations(ctx, chatSvc, doctorIDs, patientIDs, *messages, log); err != nil {
		log.Fatal().Err(err).Msg("seed conversations")
	}

	locks := booking.NewManager(booking.NewPgRepository(pool), log, booking.WithWindow(cfg.LockWindow))
	if err := seedBookings(ctx, locks, doctorIDs, patientIDs, log); err != nil {
		log.Fatal().Err(err).Msg("seed bookings")
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)
	fmt.Println("dev tokens:")
	for _, id := range []auth.Identity{doctorIDs[0], patientIDs[0], {Role: auth.RoleAdmin, ID: uuid.New()}} {
		tok, err := issuer.Issue(id, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
		fmt.Printf("  %-42s %s\n", id.Key(), tok)
	}

	log.Info().Msg("seed complete")
}

func newIdentities(role auth.Role, n int) []auth.Identity {
	out := make([]auth.Identity, max(n, 1))
	for i := range out {
		out[i] = auth.Identity{Role: role, ID: uuid.New()}
	}
	return out
}

// seedConversations pairs every patient with a random doctor and plays a
// short back and forth between them.
func seedConversations(ctx context.Context, svc *chat.Service, doctors, patients []auth.Identity, perConv int, log zerolog.Logger) error {
	log.Info().Int("patients", len(patients)).Int("messages_per_conversation", perConv).Msg("seeding conversations")

	for _, p := range patients {
		d := doctors[gofakeit.Number(0, len(doctors)-1)]
		conv, err := svc.StartConversation(ctx, p, d.ID)
		if err != nil {
			return err
		}

		for i := 0; i < perConv; i++ {
			from, lines := p, patientLines
			if i%2 == 1 {
				from, lines = d, doctorLines
			}
			sender, err := chat.SenderFrom(from)
			if err != nil {
				return err
			}
			in := chat.SendInput{
				ConversationID: conv.ID,
				Body:           lines[gofakeit.Number(0, len(lines)-1)],
			}
			if gofakeit.Number(0, 9) == 0 {
				in.Attachments = []chat.Attachment{{
					URL:      fmt.Sprintf("https://files.example.test/%s.pdf", uuid.NewString()),
					Name:     gofakeit.Name() + " report.pdf",
					MimeType: "application/pdf",
					Size:     int64(gofakeit.Number(20_000, 900_000)),
				}}
			}
			if _, _, err := svc.SendMessage(ctx, sender, in); err != nil {
				return err
			}
		}
	}

	log.Info().Msg("conversations seeded")
	return nil
}

// seedBookings books a few finalized slots tomorrow so availability
// queries have something to show.
func seedBookings(ctx context.Context, locks *booking.Manager, doctors, patients []auth.Identity, log zerolog.Logger) error {
	date := time.Now().AddDate(0, 0, 1).Format(booking.DateLayout)
	booked := 0
	for _, d := range doctors {
		for _, label := range slotTimes {
			if gofakeit.Number(0, 2) != 0 {
				continue
			}
			slot, err := booking.NewSlot(d.ID, date, label)
			if err != nil {
				return err
			}
			p := patients[gofakeit.Number(0, len(patients)-1)]
			lock, err := locks.LockSlot(ctx, slot, p.ID)
			if err != nil {
				return err
			}
			if _, err := locks.FinalizeSlot(ctx, lock.ID, p.ID, "pay_seed_"+gofakeit.Name()); err != nil {
				return err
			}
			booked++
		}
	}
	log.Info().Int("bookings", booked).Str("date", date).Msg("bookings seeded")
	return nil
}
