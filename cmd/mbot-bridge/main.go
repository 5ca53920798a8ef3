package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/robotalks/mbot.go/pkg/env"
	fx "github.com/robotalks/mbot.go/pkg/framework"
	"github.com/robotalks/mbot.go/pkg/link/mqtt"
	"github.com/robotalks/mbot.go/pkg/link/serial"
)

var (
	portName  = flag.String("port", "", "Serial port of the robot, e.g. /dev/rfcomm0.")
	brokerURL = flag.String("mqtt", "mqtt://localhost:1883/mbot/", "MQTT broker URL with topic prefix.")
	deviceID  = flag.String("id", "", "Device ID to publish, derived from the machine ID if empty.")
	baudRate  = flag.Int("baud", serial.DefaultBaudRate, "Baud rate of the serial port.")
)

func main() {
	flag.Parse()
	if *portName == "" {
		log.Fatalln("-port is required")
	}
	id := *deviceID
	if id == "" {
		var err error
		if id, err = env.DeviceID(); err != nil {
			log.Fatalf("device id: %v", err)
		}
	}

	port, err := serial.NewFactory(*baudRate).OpenPort(*portName)
	if err != nil {
		log.Fatalf("open %s: %v", *portName, err)
	}
	meta := mqtt.Meta{Name: filepath.Base(*portName), Port: *portName, Baud: *baudRate}
	bridge, err := mqtt.NewBridge(*brokerURL, id, meta, port)
	if err != nil {
		port.Close()
		log.Fatalln(err)
	}

	runner := fx.NewRunner().HandleSignals()
	runner.Go(fx.NamedRun("bridge", bridge))
	if err := runner.Wait(); err != nil {
		glog.Errorf("bridge stopped: %v", err)
		glog.Flush()
		log.Fatalln(err)
	}
}
