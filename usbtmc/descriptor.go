package usbtmc

// The types below mirror the subset of USB descriptor fields the resolver
// needs. Keeping them independent of gousb's types lets resolveUSBTMC be
// exercised with plain test fixtures instead of a real libusb context.

// Direction is the transfer direction of an endpoint.
type Direction int

// Endpoint directions.
const (
	DirectionOut Direction = iota
	DirectionIn
)

// TransferType is the USB transfer type of an endpoint.
type TransferType int

// Endpoint transfer types relevant to USBTMC.
const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

// EndpointDescriptor describes one endpoint of an interface alternate setting.
type EndpointDescriptor struct {
	Address      int
	Direction    Direction
	TransferType TransferType
}

// InterfaceAlt describes one alternate setting of one USB interface.
type InterfaceAlt struct {
	Number    int
	Alternate int
	Class     byte
	SubClass  byte
	Protocol  byte
	Endpoints []EndpointDescriptor
}

// USBTMC class/subclass/protocol codes, spec.md §4.1 and GLOSSARY.
const (
	classApplicationSpecific byte = 0xFE
	subclassUSBTMC           byte = 0x03
	protocolUSB488           byte = 0x01
)

// resolvedInterface is what the descriptor resolver hands back to the
// transport layer: the interface to claim and the endpoint addresses to use.
type resolvedInterface struct {
	InterfaceNum  int
	Alternate     int
	BulkOutEP     int
	BulkInEP      int
	InterruptInEP int // 0 if absent
	USB488        bool
}

// resolveUSBTMC scans the interface alternates of a single configuration
// for one with class=0xFE, subclass=0x03 (spec.md §4.1). It records the
// first matching alternate, then within it picks the first bulk OUT
// endpoint, the first bulk IN endpoint, and (if present) the first
// interrupt IN endpoint. Either required bulk endpoint missing is
// ErrNotUsbtmc. Scanning across configurations (spec.md §4.1's "iterate
// all configurations") is the caller's responsibility: selectUSBTMCConfig
// (used by openGousb) calls this once per candidate configuration, since resolving the USBTMC
// interface requires that configuration to already be selected.
func resolveUSBTMC(alts []InterfaceAlt) (resolvedInterface, error) {
	for _, alt := range alts {
		if alt.Class != classApplicationSpecific || alt.SubClass != subclassUSBTMC {
			continue
		}

		var ri resolvedInterface
		ri.InterfaceNum = alt.Number
		ri.Alternate = alt.Alternate
		ri.USB488 = alt.Protocol == protocolUSB488

		for _, ep := range alt.Endpoints {
			switch {
			case ep.TransferType == TransferBulk && ep.Direction == DirectionOut && ri.BulkOutEP == 0:
				ri.BulkOutEP = ep.Address
			case ep.TransferType == TransferBulk && ep.Direction == DirectionIn && ri.BulkInEP == 0:
				ri.BulkInEP = ep.Address
			case ep.TransferType == TransferInterrupt && ep.Direction == DirectionIn && ri.InterruptInEP == 0:
				ri.InterruptInEP = ep.Address
			}
		}

		if ri.BulkOutEP == 0 || ri.BulkInEP == 0 {
			return resolvedInterface{}, ErrNotUsbtmc
		}
		return ri, nil
	}
	return resolvedInterface{}, ErrNotUsbtmc
}
