// Package anim evolves the avatar's expression parameters from driving
// signals and an explicit timestamp.
package anim

import (
	"math"
	"strings"
)

// Parameter domains.
const (
	MaxMouthOpen    = 0.9
	MaxHeadTilt     = 0.4
	MaxEyebrowRaise = 0.7
	MaxBreathing    = 0.08
	FocusedEyes     = 0.8

	// BlinkDecay is subtracted from eyeBlink on every evaluation outside the blink window.
	BlinkDecay = 0.15

	// SilentMouthOpen is used when spoken text contains no vowels.
	SilentMouthOpen = 0.4

	smileThreshold = 70.0
)

// State is the bounded expression-parameter vector for one avatar.
type State struct {
	MouthOpen    float64 `json:"mouth_open"`
	EyeBlink     float64 `json:"eye_blink"`
	HeadTilt     float64 `json:"head_tilt"`
	EyebrowRaise float64 `json:"eyebrow_raise"`
	Smile        float64 `json:"smile"`
	Breathing    float64 `json:"breathing"`
	EyeFocus     float64 `json:"eye_focus"`
}

// Input is the driving signal for one update.
type Input struct {
	GestureIntensity float64 `json:"gesture_intensity"`
	Speaking         bool    `json:"speaking"`
	Text             string  `json:"text,omitempty"`
}

// Update returns the state that follows prev at time t (seconds) for the given input.
// It has no side effects and depends only on its arguments.
func Update(prev State, t float64, in Input) State {
	gesture := Clamp(in.GestureIntensity, 0, 100)
	next := State{}

	if in.Speaking {
		next.MouthOpen = MouthOpenFor(in.Text)
		next.EyebrowRaise = Clamp(0.4+0.3*math.Sin(6*t), 0, MaxEyebrowRaise)
		next.EyeFocus = FocusedEyes
	}

	if BlinkWindow(t) {
		next.EyeBlink = 1
	} else {
		next.EyeBlink = math.Max(0, Clamp(prev.EyeBlink, 0, 1)-BlinkDecay)
	}

	next.HeadTilt = Clamp(math.Sin(0.5*t)*(gesture/100)*MaxHeadTilt, -MaxHeadTilt, MaxHeadTilt)
	next.Breathing = Clamp(math.Sin(0.8*t)*MaxBreathing, -MaxBreathing, MaxBreathing)
	next.Smile = SmileFor(gesture)
	return next
}

// MouthOpenFor maps spoken text to a mouth opening. Empty text keeps the mouth closed.
func MouthOpenFor(text string) float64 {
	if text == "" {
		return 0
	}
	if r := VowelRatio(text); r > 0 {
		return Clamp(r*3, 0, MaxMouthOpen)
	}
	return SilentMouthOpen
}

// VowelRatio returns the share of runes in text that are one of a, e, i, o, u.
func VowelRatio(text string) float64 {
	total, vowels := 0, 0
	for _, r := range strings.ToLower(text) {
		total++
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
			vowels++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(vowels) / float64(total)
}

// SmileFor ramps linearly from 0 at intensity 70 to 1 at intensity 100.
func SmileFor(gesture float64) float64 {
	if gesture <= smileThreshold {
		return 0
	}
	return Clamp((gesture-smileThreshold)/(100-smileThreshold), 0, 1)
}

// BlinkWindow reports whether t falls inside the periodic blink trigger window.
func BlinkWindow(t float64) bool {
	slot := math.Mod(math.Floor(2*t), 8)
	if slot < 0 {
		slot += 8
	}
	frac := t - math.Floor(t)
	return slot == 0 && frac < 0.2
}

// Clamp limits v to [lo, hi]. NaN clamps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
