package protocol

import "fmt"

// Reply copy sent back to users. The dispatcher uses the synchronous set;
// workers send the rest through the delivery queue.
const (
	ReplySessionEnded    = "Thank you for using Invoice Assistant. Your session has ended. To begin a new session, simply send another message. 👋"
	ReplyAskImage        = "Please provide a single image to process."
	ReplyAskText         = "Please write a sentence describing what information you would like."
	ReplyInvalidChoice   = "Invalid choice. Select:\n1. Process invoice image\n2. Retrieve invoice info"
	ReplyProcessingImage = "Processing your image. Please wait."
	ReplyProcessingQuery = "Processing your request. Please wait."
	ReplyPleaseWait      = "Please wait while we process your previous request."
	ReplyFallback        = "Something went wrong. Start over."

	ReplyStaleImage       = "Please start over with a new image."
	ReplyStaleQuery       = "Please start over with a new request."
	ReplyNoMedia          = "No media file was found. Please send one invoice image."
	ReplyTooManyImages    = "You sent more than one image. Please send only *one* invoice image."
	ReplyMediaFetchFailed = "There was an issue accessing the image, please resend it."
	ReplyNotInvoice       = "The image you provided is not a valid *invoice*. Please try again."
	ReplySaveFailed       = "There was an issue saving your invoice. Please restart the process."

	ReplyQueryTooShort = "No valid message was provided. Please resend a longer description."
	ReplyQueryUnclear  = "Your request was unclear. Please try again."
	ReplyQueryError    = "An error occurred when trying to retrieve your information. Please try again."
	ReplyQueryNoRows   = "No matching information was found for your request."
	ReplyExportFailed  = "Something went wrong preparing your file. Please start over."
)

// ReplyUnsupportedType names the offending content type in the retry prompt.
func ReplyUnsupportedType(contentType string) string {
	return fmt.Sprintf("The file type '%s' is not supported. Please resend a JPG or PNG image.", contentType)
}

// ReplyWelcome greets a new session and prints the menu.
func ReplyWelcome() string {
	return "Welcome to the Invoice Assistant!\n\n" + Menu(false)
}

// ReplyRestart is sent when a session recovers from the error state.
func ReplyRestart() string {
	return "Something went wrong. Please start over.\n\n" + Menu(false)
}

// ReplyInvoiceSaved confirms a processed invoice and reprints the menu.
func ReplyInvoiceSaved() string {
	return "Your invoice has been successfully processed!\n\n" + Menu(true)
}

// ReplyExportReady accompanies the spreadsheet download link.
func ReplyExportReady() string {
	return "Your excel file is ready for download!\n\n" + Menu(true)
}

// Menu renders the numbered option list shown between flows.
func Menu(includeHeader bool) string {
	header := ""
	if includeHeader {
		header = "*What would you like to do next?*\n\n"
	}
	return header + "*Choose an option:*\n\n" +
		"*0.* Exit Assistant\n  _Type 0 anytime to end the session and reset_\n\n" +
		"*1.* Upload & Process Invoice Image\n  _Upload an invoice image for analysis_\n\n" +
		"*2.* Retrieve Invoice Information\n  _Query your stored invoice data_\n"
}
