package motion

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/mbot.go/pkg/cli/sh"
	"github.com/robotalks/mbot.go/pkg/mbot"
)

var (
	// SendCmd sends raw bytes.
	SendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"tx"},
		Help:    "HEX...",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("HEX required"))
				return
			}
			data, err := hex.DecodeString(strings.Join(c.Args, ""))
			if err != nil {
				c.Err(fmt.Errorf("Invalid HEX: %v", err))
				return
			}
			sh.Wait(c, sh.ShellFrom(c).Session.Send(data, true))
		}),
	}

	// SayCmd sends a text command.
	SayCmd = ishell.Cmd{
		Name: "say",
		Help: "TEXT...",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("TEXT required"))
				return
			}
			sh.Wait(c, sh.ShellFrom(c).Session.SendText(strings.Join(c.Args, " "), true))
		}),
	}

	// PowerCmd sets motor power.
	PowerCmd = ishell.Cmd{
		Name:    "power",
		Aliases: []string{"p"},
		Help:    "LEFT RIGHT",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("LEFT and RIGHT required"))
				return
			}
			left, err := strconv.ParseFloat(c.Args[0], 64)
			if err != nil {
				c.Err(fmt.Errorf("Invalid LEFT: %v", err))
				return
			}
			right, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil {
				c.Err(fmt.Errorf("Invalid RIGHT: %v", err))
				return
			}
			sh.Wait(c, sh.ShellFrom(c).Robot.SetPower(left, right))
		}),
	}

	// MoveCmd drives for a while.
	MoveCmd = ishell.Cmd{
		Name:    "move",
		Aliases: []string{"m"},
		Help:    "forward|backward|left|right SECONDS",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("DIRECTION and SECONDS required"))
				return
			}
			dir, err := mbot.ParseDirection(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			secs, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil {
				c.Err(fmt.Errorf("Invalid SECONDS: %v", err))
				return
			}
			d := time.Duration(secs * float64(time.Second))
			sh.Wait(c, sh.ShellFrom(c).Robot.MoveFor(dir, d))
		}),
	}

	// StopCmd stops the motors.
	StopCmd = ishell.Cmd{
		Name: "stop",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.Wait(c, sh.ShellFrom(c).Robot.StopMoving())
		}),
	}
)

func init() {
	sh.AddCmds(
		&SendCmd,
		&SayCmd,
		&PowerCmd,
		&MoveCmd,
		&StopCmd,
	)
}
