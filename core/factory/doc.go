// Package factory provides the generic registry behind every pluggable
// module: store backends, metrics sinks and OTP senders. A module is named
// by a type string and configured by a map of raw settings that the
// factory decodes into its own typed struct.
//
// Example usage:
//
//	reg := factory.NewRegistry[otp.Sender]()
//	reg.Register("smtp", func(conf map[string]any) (otp.Sender, error) {
//	    var c otpmail.SMTPConfig
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return otpmail.NewSMTPSender(c)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "smtp", Conf: map[string]any{"host": "mail"}})
package factory
