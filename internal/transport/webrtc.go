package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/farview/farview/internal/proto"
)

// OfferPath: signaling endpoint; the client POSTs {sdp} and receives {sdp}.
const OfferPath = "/webrtc/offer"

// maxPeerMessage: outbound unit ceiling on the data channel. The outbound
// path never fragments (inbound-only chunking); larger payloads fail the
// send instead.
const maxPeerMessage = 60000

type sdpDocument struct {
	SDP string `json:"sdp"`
}

// rtcChannel: peer-to-peer data channel. Inbound units carry the 8-byte
// total/offset sub-header and pass through ChunkReassembler; outbound sends
// the bare envelope packet.
type rtcChannel struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	q    *recvQueue
	open atomic.Bool
	log  *logrus.Entry
}

// DialRealtimePeer performs the trickle-less signaling handshake: gather all
// ICE candidates locally, POST the complete offer, apply the answer, wait for
// the data channel to open. ctx bounds the whole sequence.
func DialRealtimePeer(ctx context.Context, serverURL string) (Channel, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	c := &rtcChannel{
		pc:  pc,
		q:   newRecvQueue(64),
		log: logrus.WithField("component", "rtc-channel"),
	}

	ordered := true
	dc, err := pc.CreateDataChannel("stream", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.dc = dc

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})
	dc.OnClose(func() {
		c.open.Store(false)
		c.q.fail(ErrChannelClosed)
	})
	var reasm proto.ChunkReassembler
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		packet, err := reasm.Push(msg.Data)
		if err != nil {
			c.log.WithError(err).Warn("chunk reassembly error")
			c.open.Store(false)
			c.q.fail(err)
			_ = pc.Close()
			return
		}
		if packet != nil {
			c.q.push(packet)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.open.Store(false)
			c.q.fail(ErrChannelClosed)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	answer, err := exchangeOffer(ctx, serverURL, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	select {
	case <-opened:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
	c.open.Store(true)
	return c, nil
}

func exchangeOffer(ctx context.Context, serverURL, offerSDP string) (string, error) {
	body, err := json.Marshal(sdpDocument{SDP: offerSDP})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+OfferPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("offer exchange: %d", resp.StatusCode)
	}
	var doc sdpDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}
	if doc.SDP == "" {
		return "", fmt.Errorf("empty answer")
	}
	return doc.SDP, nil
}

func (c *rtcChannel) Kind() Kind { return KindRealtimePeer }

func (c *rtcChannel) Send(_ context.Context, packet []byte) error {
	if !c.open.Load() {
		return ErrChannelClosed
	}
	if len(packet) > maxPeerMessage {
		return fmt.Errorf("packet of %d bytes exceeds peer message limit", len(packet))
	}
	return c.dc.Send(packet)
}

func (c *rtcChannel) Recv(ctx context.Context) ([]byte, error) {
	return c.q.recv(ctx)
}

func (c *rtcChannel) Close() error {
	if !c.open.Swap(false) {
		_ = c.pc.Close()
		return nil
	}
	c.q.fail(ErrChannelClosed)
	_ = c.dc.Close()
	return c.pc.Close()
}

func (c *rtcChannel) IsOpen() bool { return c.open.Load() }
