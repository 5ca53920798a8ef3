package mbot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robotalks/mbot.go/pkg/link"
)

// Direction is a drive direction.
type Direction int

// Directions
const (
	Forward Direction = iota
	Backward
	Left
	Right
)

// MaxMoveDuration bounds MoveFor.
const MaxMoveDuration = 15 * time.Second

var directionNames = [...]string{"Forward", "Backward", "Left", "Right"}

// Valid reports whether d is one of the defined directions.
func (d Direction) Valid() bool {
	return d >= 0 && int(d) < len(directionNames)
}

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d.Valid() {
		return directionNames[d]
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection accepts a direction name, case-insensitive, or its index.
func ParseDirection(s string) (Direction, error) {
	s = strings.TrimSpace(s)
	for n, name := range directionNames {
		if strings.EqualFold(s, name) {
			return Direction(n), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Direction(n).Valid() {
		return Direction(n), nil
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

// TextSender sends text commands, Session implements it.
type TextSender interface {
	SendText(message string, useLimiter bool) link.Future
}

// Robot issues the text commands understood by the firmware.
type Robot struct {
	Sender TextSender
}

// NewRobot creates a Robot.
func NewRobot(sender TextSender) *Robot {
	return &Robot{Sender: sender}
}

// SetPower sets the power of both motors.
func (r *Robot) SetPower(left, right float64) link.Future {
	return r.Sender.SendText("Left "+formatNumber(left)+", Right "+formatNumber(right), true)
}

// StopMoving stops both motors.
func (r *Robot) StopMoving() link.Future {
	return r.Sender.SendText("Stop motors", true)
}

// MoveFor drives in dir for d, clamped to [0, MaxMoveDuration], and
// sends "Stop" when d elapses. An undefined direction sends nothing.
func (r *Robot) MoveFor(dir Direction, d time.Duration) link.Future {
	if !dir.Valid() {
		return link.Resolved(fmt.Errorf("invalid direction %v", dir))
	}
	if d < 0 {
		d = 0
	} else if d > MaxMoveDuration {
		d = MaxMoveDuration
	}
	f := r.Sender.SendText(fmt.Sprintf("Move %s for %d", dir, d.Milliseconds()), true)
	time.AfterFunc(d, func() {
		r.Sender.SendText("Stop", true)
	})
	return f
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
