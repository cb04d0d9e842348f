// Package dataset holds the animation and behavior data uploaded to a die
// and flattens it into the byte layout the firmware reads in place.
package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

// MaxPaletteColors is the size of the firmware color map.
const MaxPaletteColors = 1 << 7

// ErrInvalid is returned for datasets the firmware could not use.
var ErrInvalid = errors.New("dataset: invalid")

type RGB struct {
	R uint8 `yaml:"r"`
	G uint8 `yaml:"g"`
	B uint8 `yaml:"b"`
}

// Keyframe packs a time and a color index (or intensity) into 16 bits.
type Keyframe struct {
	TimeAndValue uint16 `yaml:"time_and_value"`
}

const keyframeSize = 2

// Track references a run of keyframes and the LEDs they drive.
type Track struct {
	KeyframesOffset uint16 `yaml:"keyframes_offset"`
	KeyframeCount   uint8  `yaml:"keyframe_count"`
	LEDMask         uint32 `yaml:"led_mask"`
}

const trackSize = 8

type Rule struct {
	Condition    uint16 `yaml:"condition"`
	ActionOffset uint16 `yaml:"action_offset"`
	ActionCount  uint16 `yaml:"action_count"`
}

const ruleSize = 6

type Behavior struct {
	RulesOffset uint16 `yaml:"rules_offset"`
	RuleCount   uint16 `yaml:"rule_count"`
}

const behaviorSize = 4

// DataSet is the complete set of animations, conditions, actions, rules
// and behaviors stored on a die. Animations, conditions and actions are
// variable-size records already in firmware layout.
type DataSet struct {
	Palette              []RGB      `yaml:"palette"`
	RGBKeyframes         []Keyframe `yaml:"rgb_keyframes"`
	RGBTracks            []Track    `yaml:"rgb_tracks"`
	Keyframes            []Keyframe `yaml:"keyframes"`
	Tracks               []Track    `yaml:"tracks"`
	Animations           [][]byte   `yaml:"animations"`
	Conditions           [][]byte   `yaml:"conditions"`
	Actions              [][]byte   `yaml:"actions"`
	Rules                []Rule     `yaml:"rules"`
	Behaviors            []Behavior `yaml:"behaviors"`
	CurrentBehaviorIndex uint16     `yaml:"current_behavior_index"`
	HeatTrackIndex       uint16     `yaml:"heat_track_index"`
}

// Load reads a dataset from a YAML file.
func Load(path string) (*DataSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}
	var d DataSet
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing dataset file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the counts and indexes the firmware relies on.
func (d *DataSet) Validate() error {
	if len(d.Palette) > MaxPaletteColors {
		return fmt.Errorf("%w: %d palette colors, max %d", ErrInvalid, len(d.Palette), MaxPaletteColors)
	}
	if len(d.Behaviors) > 0 && int(d.CurrentBehaviorIndex) >= len(d.Behaviors) {
		return fmt.Errorf("%w: current behavior %d of %d", ErrInvalid, d.CurrentBehaviorIndex, len(d.Behaviors))
	}
	if len(d.RGBTracks) > 0 && int(d.HeatTrackIndex) >= len(d.RGBTracks) {
		return fmt.Errorf("%w: heat track %d of %d", ErrInvalid, d.HeatTrackIndex, len(d.RGBTracks))
	}
	if n := d.Size(); n > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes does not fit a bulk transfer", ErrInvalid, n)
	}
	return nil
}

// Size returns the length of Bytes without building it.
func (d *DataSet) Size() int {
	n := len(d.Palette)*3 +
		(len(d.RGBKeyframes)+len(d.Keyframes))*keyframeSize +
		(len(d.RGBTracks)+len(d.Tracks))*trackSize
	for _, records := range [][][]byte{d.Animations, d.Conditions, d.Actions} {
		n = roundUpTo4(n+len(records)*2) + payloadSize(records)
	}
	return n + len(d.Rules)*ruleSize + len(d.Behaviors)*behaviorSize
}

// Bytes flattens the dataset. Each variable-size section is a table of
// u16 offsets, padded to a 4-byte boundary, followed by the records.
func (d *DataSet) Bytes() []byte {
	b := make([]byte, 0, d.Size())
	b = d.appendAnimationData(b)
	b = appendRecords(b, d.Animations)
	b = appendRecords(b, d.Conditions)
	b = appendRecords(b, d.Actions)
	for _, r := range d.Rules {
		b = binary.LittleEndian.AppendUint16(b, r.Condition)
		b = binary.LittleEndian.AppendUint16(b, r.ActionOffset)
		b = binary.LittleEndian.AppendUint16(b, r.ActionCount)
	}
	for _, bh := range d.Behaviors {
		b = binary.LittleEndian.AppendUint16(b, bh.RulesOffset)
		b = binary.LittleEndian.AppendUint16(b, bh.RuleCount)
	}
	return b
}

// appendAnimationData writes the palette, keyframe and track sections
// shared by full and preview datasets.
func (d *DataSet) appendAnimationData(b []byte) []byte {
	for _, c := range d.Palette {
		b = append(b, c.R, c.G, c.B)
	}
	for _, k := range d.RGBKeyframes {
		b = binary.LittleEndian.AppendUint16(b, k.TimeAndValue)
	}
	for _, t := range d.RGBTracks {
		b = appendTrack(b, t)
	}
	for _, k := range d.Keyframes {
		b = binary.LittleEndian.AppendUint16(b, k.TimeAndValue)
	}
	for _, t := range d.Tracks {
		b = appendTrack(b, t)
	}
	return b
}

// Hash returns the hash the die reports for this dataset.
func (d *DataSet) Hash() uint32 {
	return Hash(d.Bytes())
}

// TransferMessage returns the metadata handshake sent before the upload.
func (d *DataSet) TransferMessage() *protocol.TransferAnimSet {
	return &protocol.TransferAnimSet{
		PaletteSize:          uint16(len(d.Palette) * 3),
		RGBKeyFrameCount:     uint16(len(d.RGBKeyframes)),
		RGBTrackCount:        uint16(len(d.RGBTracks)),
		KeyFrameCount:        uint16(len(d.Keyframes)),
		TrackCount:           uint16(len(d.Tracks)),
		AnimationCount:       uint16(len(d.Animations)),
		AnimationSize:        uint16(payloadSize(d.Animations)),
		ConditionCount:       uint16(len(d.Conditions)),
		ConditionSize:        uint16(payloadSize(d.Conditions)),
		ActionCount:          uint16(len(d.Actions)),
		ActionSize:           uint16(payloadSize(d.Actions)),
		RuleCount:            uint16(len(d.Rules)),
		BehaviorCount:        uint16(len(d.Behaviors)),
		CurrentBehaviorIndex: d.CurrentBehaviorIndex,
		HeatTrackIndex:       d.HeatTrackIndex,
	}
}

// TestAnimation builds the preview upload for animation index: the shared
// animation data followed by that single animation record.
func (d *DataSet) TestAnimation(index int) ([]byte, *protocol.TransferTestAnimSet, error) {
	if index < 0 || index >= len(d.Animations) {
		return nil, nil, fmt.Errorf("%w: animation %d of %d", ErrInvalid, index, len(d.Animations))
	}
	anim := d.Animations[index]
	b := d.appendAnimationData(nil)
	b = append(b, anim...)
	msg := &protocol.TransferTestAnimSet{
		PaletteSize:      uint16(len(d.Palette) * 3),
		RGBKeyFrameCount: uint16(len(d.RGBKeyframes)),
		RGBTrackCount:    uint16(len(d.RGBTracks)),
		KeyFrameCount:    uint16(len(d.Keyframes)),
		TrackCount:       uint16(len(d.Tracks)),
		AnimationSize:    uint16(len(anim)),
		Hash:             Hash(b),
	}
	return b, msg, nil
}

// Hash is the djb2 hash the firmware computes over stored data.
func Hash(data []byte) uint32 {
	h := uint32(5381)
	for _, c := range data {
		h = h*33 + uint32(c)
	}
	return h
}

func appendTrack(b []byte, t Track) []byte {
	b = binary.LittleEndian.AppendUint16(b, t.KeyframesOffset)
	b = append(b, t.KeyframeCount, 0)
	return binary.LittleEndian.AppendUint32(b, t.LEDMask)
}

func appendRecords(b []byte, records [][]byte) []byte {
	offset := 0
	for _, r := range records {
		b = binary.LittleEndian.AppendUint16(b, uint16(offset))
		offset += len(r)
	}
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	for _, r := range records {
		b = append(b, r...)
	}
	return b
}

func payloadSize(records [][]byte) int {
	n := 0
	for _, r := range records {
		n += len(r)
	}
	return n
}

func roundUpTo4(n int) int {
	return (n + 3) &^ 3
}
