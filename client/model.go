package client

import (
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// The server serializes entities as positional tuples, not maps:
//     skull      = [id, name, color, icon, price, limit?]
//     quick      = [id, skull, amount]
//     occurrence = [id, skull, amount, millis]

// a named, colored, iconable category with an optional per-day limit.
// created, updated, and deleted only by the server. the client mirrors pushes.
type Skull struct {
	Id    int64
	Name  string
	Color uint32
	Icon  string
	Price float64
	Limit *float64
}

func (self *Skull) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 5 && n != 6 {
		return fmt.Errorf("skull tuple has %d elements", n)
	}
	if self.Id, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if self.Name, err = dec.DecodeString(); err != nil {
		return err
	}
	if self.Color, err = dec.DecodeUint32(); err != nil {
		return err
	}
	if self.Icon, err = dec.DecodeString(); err != nil {
		return err
	}
	if self.Price, err = dec.DecodeFloat64(); err != nil {
		return err
	}
	self.Limit = nil
	if n == 6 {
		if err = dec.Decode(&self.Limit); err != nil {
			return err
		}
	}
	return nil
}

// a (category, amount) pair as it appears on the wire, category unresolved
type RawQuick struct {
	Id     int64
	Skull  int64
	Amount float64
}

func (self *RawQuick) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("quick tuple has %d elements", n)
	}
	if self.Id, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if self.Skull, err = dec.DecodeInt64(); err != nil {
		return err
	}
	amount, err := dec.DecodeFloat64()
	if err != nil {
		return err
	}
	self.Amount = RoundAmount(amount)
	return nil
}

// a quick with its category reference resolved against the skull cache
type Quick struct {
	Id     int64
	Skull  *Skull
	Amount float64
}

// one logged event
type Occurrence struct {
	Id     int64
	Skull  int64
	Amount float64
	At     time.Time
}

func (self *Occurrence) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("occurrence tuple has %d elements", n)
	}
	if self.Id, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if self.Skull, err = dec.DecodeInt64(); err != nil {
		return err
	}
	amount, err := dec.DecodeFloat64()
	if err != nil {
		return err
	}
	self.Amount = RoundAmount(amount)
	millis, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	self.At = time.UnixMilli(millis)
	return nil
}

// an occurrence before the server has assigned it an id.
// the id is learned through the occurrencesCreated push, not the create ack.
type ProtoOccurrence struct {
	Skull  int64
	Amount float64
	At     time.Time
}

// amounts are significant to 3 decimal places
func RoundAmount(amount float64) float64 {
	return math.Round(amount*1000) / 1000
}

// the hour of day at which a new day starts for occurrence accounting
const DefaultDayResetHour = 5

// DayStart returns the instant the day containing `t` started,
// with days rolling over at resetHour rather than midnight.
func DayStart(t time.Time, resetHour int) time.Time {
	year, month, day := t.Date()
	start := time.Date(year, month, day, resetHour, 0, 0, 0, t.Location())
	if t.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

func Today(resetHour int) time.Time {
	return DayStart(time.Now(), resetHour)
}
