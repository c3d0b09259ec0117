//go:build !portaudio

package main

import (
	"errors"

	"github.com/MrWong99/prismnexus/internal/config"
)

var errNoAudioBackend = errors.New("built without an audio backend; rebuild with -tags portaudio")

// registerAudio registers nothing: buildProviders reports the missing
// backend when the app starts.
func registerAudio(*config.Registry) {}

func printDevices() error { return errNoAudioBackend }
