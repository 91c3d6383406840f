// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/bci_actuator/internal/config"
	"github.com/relabs-tech/bci_actuator/internal/events"
	"github.com/relabs-tech/bci_actuator/internal/phase"
)

// PanelData holds the latest controller state for the OLED.
type PanelData struct {
	mu sync.RWMutex

	phase      string
	counter    int64
	threshold  int64
	accuracy   *float64
	actuations int
	lastFired  time.Time
	lastError  string
	haveEvent  bool
}

type panelSnapshot struct {
	phase      string
	counter    int64
	threshold  int64
	accuracy   *float64
	actuations int
	lastFired  time.Time
	lastError  string
	haveEvent  bool
}

// apply folds one event into the panel state.
func (d *PanelData) apply(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.haveEvent = true
	switch e.Kind {
	case events.PhaseChanged:
		d.phase = e.Phase
		d.lastError = ""
		if e.Phase != phase.Controlling.String() {
			d.counter = 0
		}
	case events.CounterChanged:
		if e.Counter != nil {
			d.counter = *e.Counter
		}
		if e.Threshold > 0 {
			d.threshold = e.Threshold
		}
	case events.ModelFitResult:
		if e.OK != nil && *e.OK {
			d.accuracy = e.Accuracy
		} else {
			d.accuracy = nil
		}
	case events.ActuationFired:
		d.actuations++
		d.lastFired = e.Time
	case events.Error:
		d.lastError = string(e.ErrorKind)
	}
}

func (d *PanelData) snapshot() panelSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return panelSnapshot{
		phase:      d.phase,
		counter:    d.counter,
		threshold:  d.threshold,
		accuracy:   d.accuracy,
		actuations: d.actuations,
		lastFired:  d.lastFired,
		lastError:  d.lastError,
		haveEvent:  d.haveEvent,
	}
}

// RunPanel renders controller status on an SSD1306 OLED from MQTT events.
func RunPanel() error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, cfg.DisplayI2CAddr, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Printf("panel: display initialized at 0x%02X", cfg.DisplayI2CAddr)

	if err := dev.Draw(dev.Bounds(), renderSplash(), image.Point{}); err != nil {
		log.Printf("panel: error showing splash: %v", err)
	}

	data := &PanelData{}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDPanel, "panel")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := subscribeEvents(client, cfg.TopicEvents, "panel", data.apply); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Display update loop
	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("panel: starting update loop")

	for {
		select {
		case <-sigCh:
			log.Println("panel: shutting down")
			dev.Halt()
			return nil
		case <-ticker.C:
			img := renderStatus(data.snapshot(), time.Now())
			if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
				log.Printf("panel: error updating display: %v", err)
			}
		}
	}
}

func newPanelImage() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

// Baselines of the four text lines; the counter bar sits under line 1.
var panelLines = [4]int{12, 25, 44, 58}

const panelBarY = 28

func drawLine(d *font.Drawer, line int, text string) {
	d.Dot = fixed.P(0, panelLines[line])
	d.DrawString(text)
}

// renderStatus draws the phase, the counter with its bar, the accuracy
// and the last actuation or error.
func renderStatus(s panelSnapshot, now time.Time) *image1bit.VerticalLSB {
	img, d := newPanelImage()

	if !s.haveEvent {
		drawLine(d, 1, "BCI actuator")
		drawLine(d, 2, "Waiting...")
		return img
	}

	drawLine(d, 0, s.phase)

	if s.threshold > 0 {
		drawLine(d, 1, fmt.Sprintf("C:%4d/%d", s.counter, s.threshold))
		fillBar(img, panelBarY, float64(s.counter)/float64(s.threshold))
	} else {
		drawLine(d, 1, fmt.Sprintf("C:%4d", s.counter))
	}

	if s.accuracy != nil {
		drawLine(d, 2, fmt.Sprintf("Acc: %5.1f%%", *s.accuracy*100))
	} else {
		drawLine(d, 2, "Acc: --")
	}

	switch {
	case s.lastError != "":
		drawLine(d, 3, "E:"+s.lastError)
	case !s.lastFired.IsZero():
		drawLine(d, 3, fmt.Sprintf("Act %d, %ds ago", s.actuations, int(now.Sub(s.lastFired).Seconds())))
	}
	return img
}

// fillBar draws a 4px high progress bar at row y.
func fillBar(img *image1bit.VerticalLSB, y int, ratio float64) {
	ratio = max(0, min(1, ratio))
	w := int(ratio * 127)
	for x := 0; x <= 127; x++ {
		for dy := 0; dy < 4; dy++ {
			if x == 0 || x == 127 || dy == 0 || dy == 3 || x <= w {
				img.SetBit(x, y+dy, image1bit.On)
			}
		}
	}
}

func renderSplash() *image1bit.VerticalLSB {
	img, d := newPanelImage()
	d.Dot = fixed.P(10, 26)
	d.DrawString("BCI actuator")
	d.Dot = fixed.P(25, 43)
	d.DrawString("Relabs")
	return img
}
