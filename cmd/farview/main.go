// farview client: connects to a remote display host, negotiates a channel,
// decodes and presents the stream, relays input.
package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/farview/farview/internal/decode"
	"github.com/farview/farview/internal/session"
	"github.com/farview/farview/internal/store"
)

func main() {
	if lvl := os.Getenv("FARVIEW_LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			logrus.SetLevel(parsed)
		}
	}

	serverURL := os.Getenv("FARVIEW_SERVER_URL")
	if serverURL == "" {
		serverURL = "https://127.0.0.1:8443"
	}

	storePath := os.Getenv("FARVIEW_STORE")
	if storePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			storePath = filepath.Join(home, ".farview.db")
		} else {
			storePath = ".farview.db"
		}
	}
	prefs, err := store.Open(storePath)
	if err != nil {
		log.Println("prefs store unavailable, running without persistence:", err)
		prefs = nil
	}

	sess, err := session.New(session.Config{
		ServerURL:          serverURL,
		StreamMuxAddr:      os.Getenv("FARVIEW_QUIC_ADDR"),
		EnableRealtimePeer: os.Getenv("FARVIEW_NO_WEBRTC") != "1",
		EnableStreamMux:    os.Getenv("FARVIEW_NO_QUIC") != "1",
		Insecure:           os.Getenv("FARVIEW_INSECURE") == "1",
		Engine:             decode.NewNull(),
		Prefs:              prefs,
	})
	if err != nil {
		log.Fatal(err)
	}

	var registry session.Registry
	registry.Swap(sess)
	sess.Connect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	registry.Swap(nil)
	if prefs != nil {
		prefs.Close()
	}
}
