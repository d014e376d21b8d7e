package usb

import (
	"github.com/keirf/greaseweazle-sub000/usb"
)

const configValue = 1

// control answers one EP0 transfer. Standard requests are served from the
// device descriptor; class and vendor requests go to the device when it
// implements usb.ControlHandler. usb.ErrStall rejects the request.
func (st *urbStream) control(setup usb.Setup, out []byte) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if setup.Type() == usb.RequestTypeStandard {
		data, err = st.standard(setup)
	} else if h, ok := st.dev.(usb.ControlHandler); ok {
		data, err = h.HandleControl(setup, out)
	} else {
		err = usb.ErrStall
	}
	if err != nil {
		return nil, err
	}
	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return data, nil
}

func (st *urbStream) standard(setup usb.Setup) ([]byte, error) {
	desc := st.dev.GetDescriptor()
	switch setup.Recipient() {
	case usb.RecipientDevice:
		switch setup.Request {
		case usb.ReqGetStatus:
			return []byte{0, 0}, nil
		case usb.ReqSetAddress, usb.ReqClearFeature, usb.ReqSetFeature:
			return nil, nil
		case usb.ReqGetConfiguration:
			return []byte{st.config}, nil
		case usb.ReqSetConfiguration:
			v := uint8(setup.Value)
			if v != 0 && v != configValue {
				return nil, usb.ErrStall
			}
			st.config = v
			st.log.Debug("SET_CONFIGURATION", "value", v)
			if c, ok := st.dev.(usb.Configurer); ok {
				c.SetConfiguration(v)
			}
			return nil, nil
		case usb.ReqGetDescriptor:
			switch setup.DescType() {
			case usb.DeviceDescType:
				return desc.DeviceBytes(), nil
			case usb.ConfigDescType:
				return desc.ConfigBytes(configValue), nil
			case usb.StringDescType:
				if b, ok := desc.StringBytes(setup.DescIndex()); ok {
					return b, nil
				}
			}
		}

	case usb.RecipientInterface:
		if int(setup.Interface()) >= len(desc.Interfaces) {
			return nil, usb.ErrStall
		}
		switch setup.Request {
		case usb.ReqGetStatus:
			return []byte{0, 0}, nil
		case usb.ReqGetInterface:
			return []byte{0}, nil
		case usb.ReqSetInterface:
			if setup.Value == 0 {
				return nil, nil
			}
		}

	case usb.RecipientEndpoint:
		switch setup.Request {
		case usb.ReqGetStatus:
			return []byte{0, 0}, nil
		case usb.ReqClearFeature, usb.ReqSetFeature:
			return nil, nil
		}
	}
	return nil, usb.ErrStall
}
