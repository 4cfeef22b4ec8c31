package main

// Example address used in command help text.
const exampleDeviceAddress = "12:34:56:78:9A:BC"

const deviceAddressNote = `Note: Device addresses use the colon-separated form shown by 'bluetoothctl devices'.
Add --random when the device advertises a random static address.`
