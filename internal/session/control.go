package session

import (
	"fmt"

	"github.com/farview/farview/internal/proto"
)

// pressedKey identifies a held key by its stable code, falling back to the
// raw numeric code when no code string exists.
type pressedKey struct {
	keyCode uint16
	code    string
}

func keyIdent(keyCode uint16, code string) string {
	if code != "" {
		return code
	}
	return fmt.Sprintf("#%d", keyCode)
}

// control tracks the session's view of monitors, pressed inputs and pointer
// position. All methods run on the session control loop.
type control struct {
	monitors      []proto.Monitor
	activeMonitor uint32

	pressedKeys    map[string]pressedKey
	pressedButtons map[uint8]struct{}

	captured     bool
	lastX, lastY float64
	pendingMove  *proto.MouseInput

	// presentation surface and current video dimensions, for mapping
	// absolute pointer coordinates into the drawing rect
	surfaceW, surfaceH int
	videoW, videoH     int
}

func newControl() *control {
	return &control{
		pressedKeys:    make(map[string]pressedKey),
		pressedButtons: make(map[uint8]struct{}),
		lastX:          0.5,
		lastY:          0.5,
	}
}

// applyMonitorList installs a new list and reconciles the active index: a
// vanished index falls back to the primary monitor, then to the first.
func (c *control) applyMonitorList(list []proto.Monitor) {
	c.monitors = list
	for _, m := range list {
		if m.Index == c.activeMonitor {
			return
		}
	}
	for _, m := range list {
		if m.Primary {
			c.activeMonitor = m.Index
			return
		}
	}
	if len(list) > 0 {
		c.activeMonitor = list[0].Index
	}
}

// drawRect: aspect-preserving placement of the video inside the surface.
// Zero when either dimension is unknown.
func (c *control) drawRect() (x, y, w, h float64) {
	if c.surfaceW <= 0 || c.surfaceH <= 0 || c.videoW <= 0 || c.videoH <= 0 {
		return 0, 0, 0, 0
	}
	sw, sh := float64(c.surfaceW), float64(c.surfaceH)
	vw, vh := float64(c.videoW), float64(c.videoH)
	scale := sw / vw
	if s := sh / vh; s < scale {
		scale = s
	}
	w = vw * scale
	h = vh * scale
	x = (sw - w) / 2
	y = (sh - h) / 2
	return
}

func clampFrac(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalize maps absolute surface coordinates to clamped fractional [0,1]
// positions within the drawing rect. ok is false when no rect exists yet.
func (c *control) normalize(px, py float64) (fx, fy float64, ok bool) {
	x, y, w, h := c.drawRect()
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return clampFrac((px - x) / w), clampFrac((py - y) / h), true
}

// pointerMove records an absolute move; coalesced to one envelope per render
// tick, last value wins.
func (c *control) pointerMove(px, py float64) {
	if c.captured {
		return
	}
	fx, fy, ok := c.normalize(px, py)
	if !ok {
		return
	}
	c.lastX, c.lastY = fx, fy
	c.pendingMove = &proto.MouseInput{Kind: "move", X: fx, Y: fy}
}

// pointerDelta accumulates capture-mode deltas onto the last fractional
// position instead of recomputing from absolute coordinates.
func (c *control) pointerDelta(dx, dy float64) {
	if !c.captured {
		return
	}
	_, _, w, h := c.drawRect()
	if w <= 0 || h <= 0 {
		return
	}
	c.lastX = clampFrac(c.lastX + dx/w)
	c.lastY = clampFrac(c.lastY + dy/h)
	c.pendingMove = &proto.MouseInput{Kind: "move", X: c.lastX, Y: c.lastY}
}

// takePendingMove returns and clears the coalesced move, if any.
func (c *control) takePendingMove() *proto.MouseInput {
	m := c.pendingMove
	c.pendingMove = nil
	return m
}

// pointerButton updates the pressed set and returns the envelope payload to
// send immediately.
func (c *control) pointerButton(button uint8, down bool, px, py float64) *proto.MouseInput {
	fx, fy := c.lastX, c.lastY
	if !c.captured {
		if nx, ny, ok := c.normalize(px, py); ok {
			fx, fy = nx, ny
			c.lastX, c.lastY = nx, ny
		}
	}
	if down {
		c.pressedButtons[button] = struct{}{}
	} else {
		delete(c.pressedButtons, button)
	}
	return &proto.MouseInput{Kind: "button", X: fx, Y: fy, Button: button, Down: down}
}

func (c *control) pointerWheel(deltaX, deltaY int32) *proto.MouseInput {
	return &proto.MouseInput{Kind: "wheel", X: c.lastX, Y: c.lastY, DeltaX: deltaX, DeltaY: deltaY}
}

// keyEvent updates the pressed set and returns the payload to send.
func (c *control) keyEvent(keyCode uint16, code string, down bool) *proto.KeyboardInput {
	id := keyIdent(keyCode, code)
	if down {
		c.pressedKeys[id] = pressedKey{keyCode: keyCode, code: code}
	} else {
		delete(c.pressedKeys, id)
	}
	return &proto.KeyboardInput{KeyCode: keyCode, Code: code, Down: down}
}

// releaseAll drains both pressed sets, returning exactly one synthetic
// release payload per held key and button. The local state is cleared and
// pointer capture exited regardless of whether the releases reach the host.
func (c *control) releaseAll() (keys []*proto.KeyboardInput, buttons []*proto.MouseInput) {
	for _, k := range c.pressedKeys {
		keys = append(keys, &proto.KeyboardInput{KeyCode: k.keyCode, Code: k.code, Down: false})
	}
	for b := range c.pressedButtons {
		buttons = append(buttons, &proto.MouseInput{Kind: "button", X: c.lastX, Y: c.lastY, Button: b, Down: false})
	}
	c.pressedKeys = make(map[string]pressedKey)
	c.pressedButtons = make(map[uint8]struct{})
	c.captured = false
	c.pendingMove = nil
	return keys, buttons
}
