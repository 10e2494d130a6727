package device

import "github.com/ivbhsw/gfxkm/regio"

// regFWRequest/regFWStatus are the simulated force-wake request/status
// register pairs forcewake.Controller drives, one dword per domain.
// There is no physical power well in this core to ack the request
// asynchronously, so RequestWake acks it itself: it writes the request
// register and then sets the status register, where a real power-well
// controller would need a follow-up interrupt or poll.
const (
	regFWRequest = 0x0000
	regFWStatus  = 0x0040
)

type regHW struct {
	regs *regio.Space
}

func newRegHW(regs *regio.Space) *regHW { return &regHW{regs: regs} }

func (h *regHW) RequestWake(d regio.Domain) error {
	if err := h.regs.WritePosted(regFWRequest+uint32(d)*4, 1); err != nil {
		return err
	}

	return h.regs.WritePosted(regFWStatus+uint32(d)*4, 1)
}

func (h *regHW) IsWoken(d regio.Domain) (bool, error) {
	v, err := h.regs.Read32(regFWStatus + uint32(d)*4)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

func (h *regHW) AllowSleep(d regio.Domain) error {
	if err := h.regs.WritePosted(regFWStatus+uint32(d)*4, 0); err != nil {
		return err
	}

	return h.regs.WritePosted(regFWRequest+uint32(d)*4, 0)
}
