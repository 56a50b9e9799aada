// Package altbit implements the alternating-bit (stop-and-wait) bookkeeping
// of a channel: one unacknowledged message per direction, duplicate
// suppression on receive and validation of echoed acknowledgment bits.
//
// The tracker never schedules retries. Retransmission and giving up on a
// silent peer belong to whoever owns the transport.
package altbit

import (
	"github.com/opd-ai/thp"
	"github.com/sirupsen/logrus"
)

// Tracker holds the sync state of one channel.
type Tracker struct {
	sendBit     uint8 // bit for the next (or currently outstanding) message
	recvBit     uint8 // last bit accepted from the peer
	outstanding bool  // a message was started and not yet acknowledged
	transmitted bool  // the outstanding message has been fully written out
	ackOwed     bool
}

// New returns a tracker in the initial state: the first outbound message
// uses bit 0 and the first inbound message is expected with bit 0.
func New() *Tracker {
	return &Tracker{sendBit: 0, recvBit: 1}
}

// SendStart returns the bit to stamp on the next outbound message. It fails
// while a previous message is still unacknowledged.
func (t *Tracker) SendStart() (uint8, error) {
	if t.outstanding {
		return 0, thp.Wrap("altbit", thp.ErrUnexpectedInput, "message with sync bit %d not yet acknowledged", t.sendBit)
	}
	t.outstanding = true
	t.transmitted = false
	return t.sendBit, nil
}

// SendFinish records that the outstanding message has been fully
// transmitted. It stays outstanding until acknowledged.
func (t *Tracker) SendFinish() {
	if t.outstanding {
		t.transmitted = true
	}
}

// SendMarkDelivered accepts a peer acknowledgment. It returns false and
// leaves the outstanding message in place when the echoed bit does not
// match the bit most recently sent.
func (t *Tracker) SendMarkDelivered(bit uint8) bool {
	if !t.outstanding || bit&1 != t.sendBit {
		logrus.WithFields(logrus.Fields{
			"function":    "SendMarkDelivered",
			"package":     "altbit",
			"echoed_bit":  bit & 1,
			"sent_bit":    t.sendBit,
			"outstanding": t.outstanding,
		}).Debug("Ignoring acknowledgment that does not match the outstanding message")
		return false
	}
	t.outstanding = false
	t.transmitted = false
	t.sendBit ^= 1
	return true
}

// ReceiveStart reports whether a message stamped with bit is new. A new
// message updates the last accepted bit and makes an acknowledgment owed;
// a duplicate leaves the tracker unchanged.
func (t *Tracker) ReceiveStart(bit uint8) bool {
	bit &= 1
	if bit == t.recvBit {
		return false
	}
	t.recvBit = bit
	t.ackOwed = true
	return true
}

// IsNew reports whether a message stamped with bit would be accepted by
// ReceiveStart, without changing the tracker.
func (t *Tracker) IsNew(bit uint8) bool {
	return bit&1 != t.recvBit
}

// Reacknowledge owes the acknowledgment of the last accepted message again.
// The peer retransmits when an earlier acknowledgment was lost.
func (t *Tracker) Reacknowledge() {
	t.ackOwed = true
}

// ReceiveAcknowledge returns the bit to echo for the most recently accepted
// message and clears the owed flag.
func (t *Tracker) ReceiveAcknowledge() uint8 {
	t.ackOwed = false
	return t.recvBit
}

// SendBit returns the bit of the outstanding or next outbound message.
func (t *Tracker) SendBit() uint8 { return t.sendBit }

// Outstanding reports whether a sent message awaits acknowledgment.
func (t *Tracker) Outstanding() bool { return t.outstanding }

// Transmitted reports whether the outstanding message was fully written out.
func (t *Tracker) Transmitted() bool { return t.transmitted }

// AckOwed reports whether an accepted message has not been acknowledged yet.
func (t *Tracker) AckOwed() bool { return t.ackOwed }
