package xhci

// MMIOSize is the size of the controller's register window (BAR0).
const MMIOSize = 0x10000

// Capability registers.
const (
	regCapLength  = 0x00 // CAPLENGTH (8) | HCIVERSION (16) at 0x02
	regHCSParams1 = 0x04
	regHCSParams2 = 0x08
	regHCSParams3 = 0x0c
	regHCCParams1 = 0x10
	regDBOff      = 0x14
	regRTSOff     = 0x18
	regHCCParams2 = 0x1c

	capLength  = 0x40
	hciVersion = 0x0100

	runtimeBase  = 0x2000
	doorbellBase = 0x3000
	extCapBase   = 0x4000
)

// Operational registers, relative to the window (capLength + offset).
const (
	regUSBCmd   = capLength + 0x00
	regUSBSts   = capLength + 0x04
	regPageSize = capLength + 0x08
	regDNCtrl   = capLength + 0x14
	regCRCRLo   = capLength + 0x18
	regCRCRHi   = capLength + 0x1c
	regDCBAAPLo = capLength + 0x30
	regDCBAAPHi = capLength + 0x34
	regConfig   = capLength + 0x38

	portRegBase   = capLength + 0x400
	portRegStride = 0x10
)

// Runtime registers, relative to the window.
const (
	regMFIndex  = runtimeBase + 0x00
	intr0Base   = runtimeBase + 0x20
	regIMAN     = intr0Base + 0x00
	regIMOD     = intr0Base + 0x04
	regERSTSZ   = intr0Base + 0x08
	regERSTBALo = intr0Base + 0x10
	regERSTBAHi = intr0Base + 0x14
	regERDPLo   = intr0Base + 0x18
	regERDPHi   = intr0Base + 0x1c
)

// USBCMD bits.
const (
	cmdRun   = 1 << 0
	cmdHCRst = 1 << 1
	cmdINTE  = 1 << 2
	cmdHSEE  = 1 << 3
	cmdEWE   = 1 << 10

	cmdWritable = cmdRun | cmdINTE | cmdHSEE | cmdEWE
)

// USBSTS bits.
const (
	stsHCH  = 1 << 0
	stsHSE  = 1 << 2
	stsEINT = 1 << 3
	stsPCD  = 1 << 4
	stsCNR  = 1 << 11
	stsHCE  = 1 << 12

	stsW1C = stsHSE | stsEINT | stsPCD
)

// CRCR bits.
const (
	crcrRCS = 1 << 0
	crcrCS  = 1 << 1
	crcrCA  = 1 << 2
	crcrCRR = 1 << 3

	crcrPointerMask = ^uint64(0x3f)
)

// IMAN and ERDP bits.
const (
	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpDESIMask = 0x7
	erdpEHB      = 1 << 3
)

// PORTSC bits.
const (
	portCCS      = 1 << 0
	portPED      = 1 << 1
	portOCA      = 1 << 3
	portPR       = 1 << 4
	portPLSShift = 5
	portPLSMask  = 0xf << portPLSShift
	portPP       = 1 << 9
	portSpeedSh  = 10
	portLWS      = 1 << 16
	portCSC      = 1 << 17
	portPEC      = 1 << 18
	portWRC      = 1 << 19
	portOCC      = 1 << 20
	portPRC      = 1 << 21
	portPLC      = 1 << 22
	portCEC      = 1 << 23

	portChangeBits = portCSC | portPEC | portWRC | portOCC | portPRC | portPLC | portCEC
)

// Port link states.
const (
	linkU0       = 0
	linkU3       = 3
	linkDisabled = 4
	linkRxDetect = 5
	linkPolling  = 7
	linkResume   = 15
)

// xHCI Supported Protocol capability.
const (
	extCapSupportedProtocol = 2
	protocolNameUSB         = 0x20425355 // "USB "
)
