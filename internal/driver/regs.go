package driver

// Register offsets a guest driver discovers from the capability block.
const (
	capLength     = 0x00
	capHCSParams1 = 0x04
	capDBOff      = 0x14
	capRTSOff     = 0x18

	opUSBCmd = 0x00
	opUSBSts = 0x04
	opCRCR   = 0x18
	opDCBAAP = 0x30
	opConfig = 0x38
	opPortSC = 0x400

	portStride = 0x10

	rtIMAN   = 0x20
	rtERSTSZ = 0x28
	rtERSTBA = 0x30
	rtERDP   = 0x38
)

const (
	cmdRun   = 1 << 0
	cmdHCRst = 1 << 1
	cmdINTE  = 1 << 2

	stsHCH  = 1 << 0
	stsHSE  = 1 << 2
	stsEINT = 1 << 3
	stsPCD  = 1 << 4
	stsCNR  = 1 << 11
	stsHCE  = 1 << 12

	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpEHB = 1 << 3
	crcrRCS = 1 << 0
)

// PORTSC bits.
const (
	portCCS     = 1 << 0
	portPED     = 1 << 1
	portPR      = 1 << 4
	portPP      = 1 << 9
	portSpeedSh = 10
	portCSC     = 1 << 17
	portPEC     = 1 << 18
	portWRC     = 1 << 19
	portOCC     = 1 << 20
	portPRC     = 1 << 21
	portPLC     = 1 << 22
	portCEC     = 1 << 23

	portChangeBits = portCSC | portPEC | portWRC | portOCC | portPRC | portPLC | portCEC
)

// TRB control bits.
const (
	trbToggle = 1 << 1
	trbISP    = 1 << 2
	trbChain  = 1 << 4
	trbIOC    = 1 << 5
	trbIDT    = 1 << 6
	trbDirIn  = 1 << 16

	// Setup Stage transfer type.
	trtShift = 16
	trtNone  = 0
	trtOut   = 2
	trtIn    = 3
)

// Protocol speed IDs reported in PORTSC and the Slot Context.
const (
	speedFull  = 1
	speedLow   = 2
	speedHigh  = 3
	speedSuper = 4
)

// Hub class requests (USB 2.0 §11.24). Port status bits come from the usb
// package.
const (
	hubRequestTypeIn  = 0xa3
	hubRequestTypeOut = 0x23
	hubDescriptorIn   = 0xa0

	hubFeaturePortReset       = 4
	hubFeaturePortPower       = 8
	hubFeatureCPortConnection = 16
	hubFeatureCPortReset      = 20

	hubClass    = 0x09
	maxHubDepth = 5
)
