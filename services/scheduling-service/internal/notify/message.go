package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

// Text renders the reminder body in pt-BR. Times are shown in loc.
func Text(n Notice, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	a := n.Appointment
	start := a.StartsAt.In(loc)
	clock := start.Format("15:04")

	name := strings.TrimSpace(a.Client.Name)
	if name == "" {
		name = "cliente"
	}
	pet := strings.TrimSpace(a.Pet.Name)
	if pet == "" {
		pet = "seu pet"
	}
	service := strings.TrimSpace(a.Service.Name)

	lead := fmt.Sprintf("dia %s às %s", start.Format("02/01"), clock)
	if !n.SentAt.IsZero() {
		switch daysBetween(n.SentAt.In(loc), start) {
		case 0:
			lead = "hoje às " + clock
		case 1:
			lead = fmt.Sprintf("amanhã (%s) às %s", start.Format("02/01"), clock)
		}
	}

	body := fmt.Sprintf("Olá, %s! Lembrete: %s de %s está marcado para %s.", name, service, pet, lead)
	if n.Kind == model.ReminderDayBefore || n.Kind == model.Reminder12h {
		body += " Responda CONFIRMAR para confirmar ou CANCELAR para desmarcar."
	}
	return body
}

// daysBetween counts calendar days from a to b in b's location.
func daysBetween(a, b time.Time) int {
	y1, m1, d1 := a.In(b.Location()).Date()
	y2, m2, d2 := b.Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
