package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	&SysScheduler{},
	// Devices
	&Device{},
	&DeviceStatusLog{},
	&Command{},
	&WebhookEvent{},
	&ApiToken{},
}
